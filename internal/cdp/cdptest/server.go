// Package cdptest provides an in-process DevTools endpoint for tests. It
// serves /json/version and a browser WebSocket, records every command and
// lets tests script responses and push events.
package cdptest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
)

// NoReply tells the server to swallow a command without answering it.
var NoReply = errors.New("cdptest: no reply")

type wireMessage struct {
	ID        int64          `json:"id,omitzero"`
	SessionID string         `json:"sessionId,omitzero"`
	Method    string         `json:"method,omitzero"`
	Params    jsontext.Value `json:"params,omitzero"`
	Result    jsontext.Value `json:"result,omitzero"`
	Error     *wireError     `json:"error,omitzero"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Call is a recorded command.
type Call struct {
	SessionID string
	Method    string
	Params    jsontext.Value
}

// Decode unmarshals the call's params into v.
func (c Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// Request is a command being handled. Events emitted through it are written
// before the command's response.
type Request struct {
	Call
	peer *peer
}

// Emit writes an event on the connection that sent the request.
func (r *Request) Emit(sessionID, method string, params any) {
	r.peer.emit(sessionID, method, params)
}

// HandlerFunc answers a command. The result is marshalled as the response;
// a non-nil error becomes a protocol error, unless it is NoReply.
type HandlerFunc func(r *Request) (any, error)

// Server is a fake browser DevTools endpoint.
type Server struct {
	// Product is reported as the Browser field of /json/version.
	Product string

	srv      *httptest.Server
	port     int
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
	peers    map[*peer]struct{}
	notify   chan struct{}
}

// NewServer starts a fake endpoint that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Product:  "HeadlessChrome/124.0.6367.60",
		handlers: make(map[string]HandlerFunc),
		peers:    make(map[*peer]struct{}),
		notify:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/devtools/browser/", s.handleWS)
	s.srv = httptest.NewServer(mux)

	u, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	s.port, _ = strconv.Atoi(u.Port())

	t.Cleanup(s.Close)
	return s
}

// Port is the TCP port the endpoint listens on.
func (s *Server) Port() int { return s.port }

// WebSocketURL is the browser debugger URL.
func (s *Server) WebSocketURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/cdptest", s.port)
}

// Handle installs fn for method, replacing any earlier handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Emit pushes an event to every connected client.
func (s *Server) Emit(sessionID, method string, params any) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.emit(sessionID, method, params)
	}
}

// Calls returns the recorded commands for method, or all commands when
// method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount is len(Calls(method)).
func (s *Server) CallCount(method string) int {
	return len(s.Calls(method))
}

// WaitCalls blocks until at least n commands for method were recorded.
func (s *Server) WaitCalls(t testing.TB, method string, n int, timeout time.Duration) []Call {
	t.Helper()
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()
		if calls := s.Calls(method); len(calls) >= n {
			return calls
		}
		select {
		case <-notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s calls, got %d", n, method, s.CallCount(method))
			return nil
		}
	}
}

// DropConnections closes every client socket, simulating a browser crash.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.ws.Close()
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.MarshalWrite(w, map[string]string{
		"Browser":              s.Product,
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) " + s.Product + " Safari/537.36",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.serve(p, &msg)
	}
}

func (s *Server) serve(p *peer, msg *wireMessage) {
	call := Call{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	close(s.notify)
	s.notify = make(chan struct{})
	fn := s.handlers[msg.Method]
	s.mu.Unlock()

	var result any = struct{}{}
	var err error
	if fn != nil {
		result, err = fn(&Request{Call: call, peer: p})
	}
	if errors.Is(err, NoReply) {
		return
	}

	resp := wireMessage{ID: msg.ID, SessionID: msg.SessionID}
	if err != nil {
		resp.Error = &wireError{Code: -32000, Message: err.Error()}
	} else {
		if result == nil {
			result = struct{}{}
		}
		b, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &wireError{Code: -32603, Message: merr.Error()}
		} else {
			resp.Result = b
		}
	}
	p.write(&resp)
}

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) emit(sessionID, method string, params any) {
	b, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("cdptest: marshal %s params: %v", method, err))
	}
	p.write(&wireMessage{SessionID: sessionID, Method: method, Params: b})
}

func (p *peer) write(msg *wireMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.WriteMessage(websocket.TextMessage, b)
}
