package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
)

const (
	eventAttachedToTarget   = cdproto.EventTargetAttachedToTarget
	eventDetachedFromTarget = cdproto.EventTargetDetachedFromTarget
)

// Session addresses one target over the shared connection. The browser
// session has an empty id.
type Session struct {
	conn       *Conn
	id         target.SessionID
	parent     target.SessionID
	targetID   target.ID
	targetType string
	url        string
	waiting    bool

	detachOnce sync.Once
	done       chan struct{}
}

// Execute sends method with params and decodes the result into res. Either
// may be nil. It fails fast with ErrDetached or ErrClosed when the target or
// connection goes away while the command is outstanding.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	select {
	case <-s.done:
		if s == s.conn.browser {
			return ErrClosed
		}
		return ErrDetached
	default:
	}
	return s.conn.execute(ctx, s, method, params, res)
}

// Listen registers fn for each of the given event methods on this session.
// Handlers run on the connection's read goroutine in wire order and must not
// block or call Execute synchronously.
func (s *Session) Listen(fn func(*Event), methods ...string) *Subscription {
	return s.conn.listen(s.id, fn, methods)
}

// ID is the flattened session id.
func (s *Session) ID() target.SessionID { return s.id }

// ParentID is the session the target was auto-attached through.
func (s *Session) ParentID() target.SessionID { return s.parent }

// TargetID is the attached target's id.
func (s *Session) TargetID() target.ID { return s.targetID }

// Type is the target type: "page", "iframe", "worker", "service_worker", ...
func (s *Session) Type() string { return s.targetType }

// URL is the target's URL at attach time.
func (s *Session) URL() string { return s.url }

// WaitingForDebugger reports whether the target was paused at attach time.
func (s *Session) WaitingForDebugger() bool { return s.waiting }

// Conn returns the underlying connection.
func (s *Session) Conn() *Conn { return s.conn }

// Done is closed when the target detaches or the connection closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Detached reports whether Done is closed.
func (s *Session) Detached() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) markDetached() {
	s.detachOnce.Do(func() { close(s.done) })
}

// IsWorker reports whether a target type has no Page domain.
func IsWorker(targetType string) bool {
	switch targetType {
	case "worker", "shared_worker", "service_worker", "worklet", "shared_storage_worklet", "auction_worklet":
		return true
	}
	return false
}
