package cdp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/cdp/cdptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, srv *cdptest.Server) *cdp.Conn {
	t.Helper()
	conn, err := cdp.Dial(context.Background(), srv.WebSocketURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func attach(t *testing.T, srv *cdptest.Server, conn *cdp.Conn, sessionID, targetID, typ string) *cdp.Session {
	t.Helper()
	srv.Emit("", "Target.attachedToTarget", map[string]any{
		"sessionId": sessionID,
		"targetInfo": map[string]any{
			"targetId": targetID, "type": typ, "title": "", "url": "about:blank",
			"attached": true, "canAccessOpener": false,
		},
		"waitingForDebugger": true,
	})
	var s *cdp.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = conn.Session(target.SessionID(sessionID))
		return ok
	}, time.Second, 5*time.Millisecond)
	return s
}

func TestExecuteRoundTrip(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(r *cdptest.Request) (any, error) {
		var p runtime.EvaluateParams
		require.NoError(t, r.Decode(&p))
		return map[string]any{"result": map[string]any{"type": "string", "value": p.Expression}}, nil
	})
	conn := dial(t, srv)

	var res struct {
		Result struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"result"`
	}
	err := conn.Browser().Execute(context.Background(), runtime.CommandEvaluate, &runtime.EvaluateParams{Expression: "hello"}, &res)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Result.Value)
}

func TestExecuteProtocolError(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Page.navigate", func(*cdptest.Request) (any, error) {
		return nil, errors.New("Cannot navigate to invalid URL")
	})
	conn := dial(t, srv)

	err := conn.Browser().Execute(context.Background(), "Page.navigate", map[string]string{"url": "::"}, nil)
	var perr *cdp.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Page.navigate", perr.Method)
	assert.Contains(t, perr.Error(), "invalid URL")
}

func TestExecuteContextCancel(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(*cdptest.Request) (any, error) { return nil, cdptest.NoReply })
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := conn.Browser().Execute(ctx, "Runtime.evaluate", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingCommands(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(*cdptest.Request) (any, error) { return nil, cdptest.NoReply })
	conn := dial(t, srv)

	errc := make(chan error, 1)
	go func() {
		errc <- conn.Browser().Execute(context.Background(), "Runtime.evaluate", nil, nil)
	}()
	srv.WaitCalls(t, "Runtime.evaluate", 1, time.Second)
	require.NoError(t, conn.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, cdp.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending command did not fail after Close")
	}
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, conn.Browser().Execute(context.Background(), "Browser.getVersion", nil, nil), cdp.ErrClosed)
}

func TestConnectionDropShutsDown(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)
	page := attach(t, srv, conn, "S1", "T1", "page")

	srv.DropConnections()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not notice the drop")
	}
	assert.ErrorIs(t, conn.Err(), cdp.ErrClosed)
	assert.True(t, page.Detached())
}

func TestEventsDeliveredInWireOrder(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv)
	page := attach(t, srv, conn, "S1", "T1", "page")

	var mu sync.Mutex
	var got []string
	sub := page.Listen(func(ev *cdp.Event) {
		mu.Lock()
		got = append(got, ev.Method)
		mu.Unlock()
	}, "Page.frameNavigated", "Page.loadEventFired")

	srv.Emit("S1", "Page.frameNavigated", map[string]any{"frame": map[string]any{"id": "T1"}})
	srv.Emit("S1", "Page.loadEventFired", map[string]any{"timestamp": 1})
	srv.Emit("S2", "Page.loadEventFired", map[string]any{"timestamp": 1})

	// The response to this command follows the events on the wire.
	require.NoError(t, page.Execute(context.Background(), "Page.enable", nil, nil))

	mu.Lock()
	assert.Equal(t, []string{"Page.frameNavigated", "Page.loadEventFired"}, got)
	mu.Unlock()

	sub.Cancel()
	srv.Emit("S1", "Page.loadEventFired", map[string]any{"timestamp": 2})
	require.NoError(t, page.Execute(context.Background(), "Page.enable", nil, nil))

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
	<-sub.Done()
}

func TestDetachCancelsSessionListeners(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Runtime.evaluate", func(*cdptest.Request) (any, error) { return nil, cdptest.NoReply })
	conn := dial(t, srv)
	page := attach(t, srv, conn, "S1", "T1", "page")
	worker := attach(t, srv, conn, "W1", "TW", "worker")
	assert.True(t, cdp.IsWorker(worker.Type()))
	assert.True(t, page.WaitingForDebugger())

	sub := page.Listen(func(*cdp.Event) {}, "Page.frameNavigated")

	errc := make(chan error, 1)
	go func() { errc <- page.Execute(context.Background(), "Runtime.evaluate", nil, nil) }()
	srv.WaitCalls(t, "Runtime.evaluate", 1, time.Second)

	srv.Emit("", "Target.detachedFromTarget", map[string]any{"sessionId": "S1", "targetId": "T1"})

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, cdp.ErrDetached)
	case <-time.After(time.Second):
		t.Fatal("command on detached target did not fail")
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription survived detach")
	}
	_, ok := conn.Session("S1")
	assert.False(t, ok)
	assert.False(t, worker.Detached())
	assert.ErrorIs(t, page.Execute(context.Background(), "Page.enable", nil, nil), cdp.ErrDetached)
}
