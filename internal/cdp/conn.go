// Package cdp is a minimal Chrome DevTools Protocol client. It speaks the
// flattened session protocol over one WebSocket per browser and never turns
// on any domain by itself: callers decide exactly which commands reach the
// browser.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	cdpt "github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
)

// Option configures a Conn.
type Option func(*connConfig)

type connConfig struct {
	logger      *slog.Logger
	dialTimeout time.Duration
}

// WithLogger sets the logger for protocol errors and the command audit log.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *connConfig) {
		cfg.logger = logger
	}
}

// WithDialTimeout bounds the WebSocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *connConfig) {
		cfg.dialTimeout = d
	}
}

// Conn is a connection to a browser's DevTools WebSocket endpoint.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	audit  *auditLogger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *Message
	sessions map[cdpt.SessionID]*Session
	closed   bool
	err      error

	listenMu     sync.Mutex
	listeners    atomic.Pointer[[]*listener]
	nextListener uint64

	browser *Session
	done    chan struct{}
}

// Dial connects to a browser-level WebSocket debugger URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := connConfig{
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.dialTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", url, err)
	}

	c := &Conn{
		ws:       ws,
		logger:   cfg.logger.With("component", "cdp"),
		audit:    newAuditLogger(cfg.logger),
		pending:  make(map[int64]chan *Message),
		sessions: make(map[cdpt.SessionID]*Session),
		done:     make(chan struct{}),
	}
	empty := make([]*listener, 0)
	c.listeners.Store(&empty)
	c.browser = &Session{conn: c, targetType: "browser", done: c.done}

	go c.readLoop()
	return c, nil
}

// Browser returns the browser-level session (no session id).
func (c *Conn) Browser() *Session {
	return c.browser
}

// Session returns the attached session with the given id.
func (c *Conn) Session(id cdpt.SessionID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Pending commands fail with ErrClosed.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) execute(ctx context.Context, s *Session, method string, params, res any) error {
	var raw jsontext.Value
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.audit.logCommand(id, method, s.id)

	if err := c.write(&Message{ID: id, SessionID: s.id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			msg.Error.Method = method
			c.audit.logError(method, s.id, msg.Error)
			return msg.Error
		}
		if res != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, res, decodeOptions); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-s.done:
		c.forget(id)
		if s == c.browser {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		return fmt.Errorf("%s: %w", method, ErrDetached)
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Conn) write(msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop owns the socket's read side. Responses and events are handled in
// the order they arrive; event handlers run inline, so a handler observes an
// event before any response that followed it on the wire is delivered.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg, decodeOptions); err != nil {
			c.logger.Warn("cdp_malformed_message", "error", err, "size", len(data))
			continue
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "":
			c.handleEvent(&Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Conn) handleEvent(ev *Event) {
	switch ev.Method {
	case eventAttachedToTarget:
		var p cdpt.EventAttachedToTarget
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("cdp_bad_attach_event", "error", err)
			break
		}
		c.attach(ev.SessionID, &p)
	}

	c.dispatch(ev)

	if ev.Method == eventDetachedFromTarget {
		var p cdpt.EventDetachedFromTarget
		if err := ev.Decode(&p); err == nil {
			c.detach(p.SessionID)
		}
	}
}

func (c *Conn) attach(parent cdpt.SessionID, p *cdpt.EventAttachedToTarget) {
	if p.TargetInfo == nil || p.SessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.sessions[p.SessionID]; ok {
		return
	}
	c.sessions[p.SessionID] = &Session{
		conn:       c,
		id:         p.SessionID,
		parent:     parent,
		targetID:   p.TargetInfo.TargetID,
		targetType: p.TargetInfo.Type,
		url:        p.TargetInfo.URL,
		waiting:    p.WaitingForDebugger,
		done:       make(chan struct{}),
	}
}

func (c *Conn) detach(id cdpt.SessionID) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	var children []cdpt.SessionID
	for cid, child := range c.sessions {
		if child.parent == id {
			children = append(children, cid)
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	s.markDetached()
	c.cancelSessionListeners(id)
	for _, cid := range children {
		c.detach(cid)
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if err == nil || errors.Is(err, ErrClosed) {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	sessions := c.sessions
	c.sessions = make(map[cdpt.SessionID]*Session)
	c.pending = make(map[int64]chan *Message)
	c.mu.Unlock()

	close(c.done)
	for _, s := range sessions {
		s.markDetached()
	}
	c.cancelAllListeners()
	_ = c.ws.Close()

	if !errors.Is(err, ErrClosed) {
		c.logger.Warn("cdp_connection_lost", "error", err)
	}
}
