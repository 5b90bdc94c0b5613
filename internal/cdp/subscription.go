package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

type listener struct {
	id      uint64
	session target.SessionID
	method  string
	fn      func(*Event)
	sub     *Subscription
}

// Subscription is a group of event listeners that is torn down together.
// It is cancelled explicitly, when its session detaches, or when the
// connection closes.
type Subscription struct {
	conn *Conn
	ids  map[uint64]struct{}

	once sync.Once
	done chan struct{}
}

// Cancel removes every listener in the subscription. Safe to call more than
// once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.conn.removeListeners(s.ids)
		close(s.done)
	})
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (c *Conn) listen(session target.SessionID, fn func(*Event), methods []string) *Subscription {
	sub := &Subscription{
		conn: c,
		ids:  make(map[uint64]struct{}, len(methods)),
		done: make(chan struct{}),
	}

	c.listenMu.Lock()
	old := *c.listeners.Load()
	next := make([]*listener, len(old), len(old)+len(methods))
	copy(next, old)
	for _, m := range methods {
		c.nextListener++
		sub.ids[c.nextListener] = struct{}{}
		next = append(next, &listener{id: c.nextListener, session: session, method: m, fn: fn, sub: sub})
	}
	c.listeners.Store(&next)
	c.listenMu.Unlock()

	// A subscription made after shutdown is dead on arrival.
	if c.Closed() {
		sub.Cancel()
	}
	return sub
}

func (c *Conn) removeListeners(ids map[uint64]struct{}) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	old := *c.listeners.Load()
	next := make([]*listener, 0, len(old))
	for _, l := range old {
		if _, ok := ids[l.id]; !ok {
			next = append(next, l)
		}
	}
	c.listeners.Store(&next)
}

func (c *Conn) dispatch(ev *Event) {
	for _, l := range *c.listeners.Load() {
		if l.session != ev.SessionID || l.method != ev.Method {
			continue
		}
		select {
		case <-l.sub.done:
			continue
		default:
		}
		l.fn(ev)
	}
}

func (c *Conn) cancelSessionListeners(session target.SessionID) {
	for _, sub := range c.subscriptions(func(l *listener) bool { return l.session == session }) {
		sub.Cancel()
	}
}

func (c *Conn) cancelAllListeners() {
	for _, sub := range c.subscriptions(func(*listener) bool { return true }) {
		sub.Cancel()
	}
}

func (c *Conn) subscriptions(match func(*listener) bool) []*Subscription {
	seen := make(map[*Subscription]bool)
	var subs []*Subscription
	for _, l := range *c.listeners.Load() {
		if match(l) && !seen[l.sub] {
			seen[l.sub] = true
			subs = append(subs, l.sub)
		}
	}
	return subs
}
