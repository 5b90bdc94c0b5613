// Package pool tracks live browser sessions by profile name.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neboloop/veil/internal/metrics"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("session not found")

	// ErrExists means a live session is already registered under the name.
	ErrExists = errors.New("session already exists")
)

// Reason says why Get found nothing.
type Reason string

const (
	// ReasonAbsent: no entry was ever added, or it was removed.
	ReasonAbsent Reason = "absent"

	// ReasonClosed: the entry's handle reported itself closed and was evicted.
	ReasonClosed Reason = "closed"
)

// NotFoundError is returned by Get.
type NotFoundError struct {
	Name   string
	Reason Reason
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found (%s)", e.Name, e.Reason)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Handle is what the pool holds for each session.
type Handle interface {
	// Closed reports whether the session is dead. It must not block.
	Closed() bool
	Close(ctx context.Context) error
	Port() int
}

// Info describes one pooled session.
type Info struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"createdAt"`
	Alive     bool      `json:"alive"`
}

type entry struct {
	h       Handle
	created time.Time
}

// Pool maps profile names to live session handles.
type Pool struct {
	logger  *slog.Logger
	onEvict func(name string, reason string)
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithEvictHook runs fn after an entry leaves the pool. fn runs outside the
// pool's lock.
func WithEvictHook(fn func(name, reason string)) Option {
	return func(p *Pool) {
		p.onEvict = fn
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	return p
}

// Add registers h under name. A closed entry under the same name is
// replaced; a live one is an error.
func (p *Pool) Add(name string, h Handle) error {
	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		if !e.h.Closed() {
			p.mu.Unlock()
			return fmt.Errorf("add %q: %w", name, ErrExists)
		}
		delete(p.entries, name)
		p.mu.Unlock()
		p.evicted(name, "closed")
		p.mu.Lock()
	}
	p.entries[name] = &entry{h: h, created: p.now()}
	n := len(p.entries)
	p.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))
	p.logger.Debug("session added", "name", name, "port", h.Port())
	return nil
}

// Get returns the live handle for name. A handle that reports itself closed
// is evicted and reported as not found.
func (p *Pool) Get(name string) (Handle, error) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if !ok {
		p.mu.Unlock()
		return nil, &NotFoundError{Name: name, Reason: ReasonAbsent}
	}
	if e.h.Closed() {
		delete(p.entries, name)
		p.mu.Unlock()
		p.evicted(name, "closed")
		return nil, &NotFoundError{Name: name, Reason: ReasonClosed}
	}
	p.mu.Unlock()
	return e.h, nil
}

// Has reports whether name has an entry, without probing liveness.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[name]
	return ok
}

// Remove drops name without closing its handle. It is a no-op for unknown
// names.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	_, ok := p.entries[name]
	delete(p.entries, name)
	p.mu.Unlock()
	if ok {
		p.evicted(name, "removed")
	}
}

// Len is the number of entries, live or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// PortOwner returns the entry holding port, if any.
func (p *Pool) PortOwner(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, e := range p.entries {
		if e.h.Port() == port {
			return name, true
		}
	}
	return "", false
}

// List describes every entry, sorted by name.
func (p *Pool) List() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.entries))
	for name, e := range p.entries {
		out = append(out, Info{Name: name, Port: e.h.Port(), CreatedAt: e.created, Alive: !e.h.Closed()})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep evicts every entry whose handle reports closed and returns how
// many were evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	var dead []string
	for name, e := range p.entries {
		if e.h.Closed() {
			dead = append(dead, name)
			delete(p.entries, name)
		}
	}
	p.mu.Unlock()

	for _, name := range dead {
		p.evicted(name, "closed")
	}
	if len(dead) > 0 {
		p.logger.Info("swept dead sessions", "count", len(dead))
	}
	return len(dead)
}

// CloseAll closes every handle concurrently and empties the pool. Every
// handle is attempted; the failures are joined.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for name, e := range entries {
		g.Go(func() error {
			if err := e.h.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
				mu.Unlock()
			}
			p.evicted(name, "shutdown")
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Pool) evicted(name, reason string) {
	metrics.PoolEvictions.WithLabelValues(reason).Inc()
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))

	p.logger.Debug("session evicted", "name", name, "reason", reason)
	if p.onEvict != nil {
		p.onEvict(name, reason)
	}
}
