package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"golang.org/x/sync/singleflight"

	chrome "github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/lifecycle"
	"github.com/neboloop/veil/internal/metrics"
	"github.com/neboloop/veil/internal/pool"
	"github.com/neboloop/veil/internal/profile"
)

// Info describes an open session.
type Info struct {
	Name      string              `json:"name"`
	Port      int                 `json:"port"`
	CreatedAt time.Time           `json:"createdAt"`
	Reused    bool                `json:"reused"`
	Launched  bool                `json:"launched"`
	Seed      int                 `json:"seed"`
	Brands    []fingerprint.Brand `json:"brands"`
	UserAgent string              `json:"userAgent"`
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithDiscovery replaces the DevTools discovery client.
func WithDiscovery(d *chrome.Discovery) Option {
	return func(r *Runtime) {
		r.discovery = d
	}
}

// WithInjector replaces the fingerprint injector.
func WithInjector(in *fingerprint.Injector) Option {
	return func(r *Runtime) {
		r.injector = in
	}
}

// WithLifecycle publishes session events to m.
func WithLifecycle(m *lifecycle.Manager) Option {
	return func(r *Runtime) {
		r.events = m
	}
}

// Runtime opens and closes profile sessions and keeps them in a pool.
type Runtime struct {
	cfg       Config
	store     *profile.Store
	pool      *pool.Pool
	discovery *chrome.Discovery
	injector  *fingerprint.Injector
	events    *lifecycle.Manager
	logger    *slog.Logger

	opens   singleflight.Group
	mu      sync.Mutex
	closing map[string]bool
}

// NewRuntime wires a runtime from its collaborators.
func NewRuntime(cfg Config, store *profile.Store, p *pool.Pool, opts ...Option) (*Runtime, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:     cfg,
		store:   store,
		pool:    p,
		logger:  slog.Default(),
		closing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session")
	if r.discovery == nil {
		r.discovery = chrome.NewDiscovery(r.logger)
	}
	if r.injector == nil {
		r.injector = fingerprint.NewInjector(fingerprint.WithLogger(r.logger))
	}
	return r, nil
}

// Config returns the effective runtime configuration.
func (r *Runtime) Config() Config { return r.cfg }

// Store returns the profile store.
func (r *Runtime) Store() *profile.Store { return r.store }

// Pool returns the session pool.
func (r *Runtime) Pool() *pool.Pool { return r.pool }

// Open returns the live session of name, opening it first if needed.
// Concurrent opens of the same name share one launch.
func (r *Runtime) Open(ctx context.Context, name string, opts OpenOptions) (*Info, error) {
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	if info, ok := r.live(name); ok {
		return info, nil
	}
	if r.isClosing(name) {
		return nil, fmt.Errorf("open %s: %w: close in progress", name, ErrProfileLocked)
	}

	ch := r.opens.DoChan(name, func() (any, error) {
		if info, ok := r.live(name); ok {
			return info, nil
		}
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpenTimeout)
		defer cancel()
		s, err := r.open(octx, name, opts)
		if err != nil {
			metrics.SessionOpens.WithLabelValues(outcome(err)).Inc()
			return nil, err
		}
		metrics.SessionOpens.WithLabelValues("ok").Inc()
		return s.Info(), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		info := *res.Val.(*Info)
		return &info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) live(name string) (*Info, bool) {
	if !r.pool.Has(name) {
		return nil, false
	}
	h, err := r.pool.Get(name)
	if err != nil {
		return nil, false
	}
	info := h.(*Session).Info()
	info.Reused = true
	return info, true
}

func (r *Runtime) isClosing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing[name]
}

func (r *Runtime) open(ctx context.Context, name string, opts OpenOptions) (_ *Session, err error) {
	log := r.logger.With("profile", name)

	prof, err := r.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	lock, err := r.store.Lock(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	var (
		proc *chrome.Process
		conn *cdp.Conn
		tm   *targets
	)
	defer func() {
		if err == nil {
			return
		}
		// Closing the connection first stops attach events from reaching
		// the target manager while it shuts down.
		if conn != nil {
			_ = conn.Close()
		}
		if tm != nil {
			tm.stop()
		}
		if proc != nil {
			_ = proc.Stop(r.cfg.Browser.StopTimeout)
		}
		_ = lock.Release()
	}()

	inputs := r.cfg.inputs(prof.Record.Identity, opts)

	port := r.cfg.Ports.PortFor(name)
	if owner, taken := r.pool.PortOwner(port); taken && owner != name {
		return nil, fmt.Errorf("open %s on port %d held by %s: %w", name, port, owner, ErrPortConflict)
	}

	ver, verr := r.discovery.Version(ctx, port)
	if verr != nil {
		proc, ver, err = chrome.Launch(ctx, r.cfg.Browser, chrome.LaunchSpec{
			UserDataDir: prof.UserDataDir,
			Port:        port,
			Headless:    inputs.Headless,
			Lang:        inputs.Locale,
			Width:       inputs.Viewport.Width,
			Height:      inputs.Viewport.Height,
		}, r.discovery)
		if err != nil {
			return nil, fmt.Errorf("launch browser for %s: %w", name, err)
		}
	} else {
		log.Info("attaching to running browser", "port", port, "browser", ver.Browser)
	}

	conn, err = cdp.Dial(ctx, ver.WebSocketDebuggerURL, cdp.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("connect to browser on port %d: %w", port, err)
	}

	seed := inputs.Seed
	if seed <= 0 {
		seed, err = r.productMajor(ctx, conn, ver)
		if err != nil {
			return nil, err
		}
		// Persisted on close so the identity survives browser upgrades.
		inputs.Seed = seed
	}
	fpCfg := r.cfg.Fingerprint
	if inputs.Locale != "" {
		fpCfg.Locale = inputs.Locale
	}
	fpCfg.Seed = 0
	id := fingerprint.New(seed, fpCfg)
	if inputs.UserAgent != "" {
		id.UserAgent = inputs.UserAgent
	}

	tm = newTargets(conn, r.injector, id, inputs, r.cfg.Resolver, log)
	if err = tm.start(ctx); err != nil {
		return nil, fmt.Errorf("start target manager: %w", err)
	}
	if _, err = tm.waitPrimary(ctx); err != nil {
		return nil, fmt.Errorf("wait for page of %s: %w", name, err)
	}

	s := &Session{
		name:        name,
		port:        port,
		created:     time.Now(),
		identity:    id,
		inputs:      inputs,
		store:       r.store,
		lock:        lock,
		proc:        proc,
		conn:        conn,
		targets:     tm,
		queue:       newQueue(),
		loadTimeout: r.cfg.LoadTimeout,
		stopTimeout: r.cfg.Browser.StopTimeout,
		onClosed:    r.detach,
		events:      r.events,
		logger:      log,
		closing:     make(chan struct{}),
		closed:      make(chan struct{}),
	}
	s.restore(ctx, prof.Record)

	if err = r.pool.Add(name, s); err != nil {
		s.queue.stop()
		return nil, err
	}
	go s.watch()

	if terr := r.store.Touch(ctx, name, port, seed); terr != nil {
		log.Warn("catalog touch failed", "error", terr)
	}
	log.Info("session opened", "port", port, "seed", seed, "launched", proc != nil)
	r.events.Emit(lifecycle.EventSessionOpened, s.eventData(nil))
	return s, nil
}

// productMajor asks the browser for its product string and returns the
// major version.
func (r *Runtime) productMajor(ctx context.Context, conn *cdp.Conn, ver *chrome.Version) (int, error) {
	var res browser.GetVersionReturns
	if err := conn.Browser().Execute(ctx, browser.CommandGetVersion, nil, &res); err == nil && res.Product != "" {
		if major, err := (&chrome.Version{Browser: res.Product}).MajorVersion(); err == nil {
			return major, nil
		}
	}
	major, err := ver.MajorVersion()
	if err != nil {
		return 0, fmt.Errorf("determine browser version: %w", err)
	}
	return major, nil
}

// detach removes a closing session from the pool.
func (r *Runtime) detach(s *Session) {
	r.pool.Remove(s.name)
}

// Close closes the session of name.
func (r *Runtime) Close(ctx context.Context, name string) error {
	h, err := r.pool.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.closing[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.closing, name)
		r.mu.Unlock()
	}()
	return h.Close(ctx)
}

// WithSession runs fn with the live session of name.
func (r *Runtime) WithSession(ctx context.Context, name string, fn func(*Session) error) error {
	h, err := r.pool.Get(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(h.(*Session))
}

// Session returns the live session of name.
func (r *Runtime) Session(name string) (*Session, error) {
	h, err := r.pool.Get(name)
	if err != nil {
		return nil, err
	}
	return h.(*Session), nil
}

// Info describes the live session of name.
func (r *Runtime) Info(name string) (*Info, error) {
	s, err := r.Session(name)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

// List describes the pooled sessions.
func (r *Runtime) List() []pool.Info {
	return r.pool.List()
}

// Sweep evicts sessions whose browser went away.
func (r *Runtime) Sweep() int {
	return r.pool.Sweep()
}

// CloseAll closes every session, continuing past failures.
func (r *Runtime) CloseAll(ctx context.Context) error {
	return r.pool.CloseAll(ctx)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrProfileLocked):
		return "locked"
	case errors.Is(err, ErrPortConflict):
		return "port_conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
