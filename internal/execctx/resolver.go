// Package execctx resolves script execution contexts of attached targets
// without enabling the Runtime domain.
//
// Isolated worlds come straight from Page.createIsolatedWorld. The main
// world is found by a binding round-trip: a randomly named binding is added,
// a page-load listener in the main world forwards a DOM event to it, and the
// event is dispatched from the isolated world. The resulting
// Runtime.bindingCalled notification carries the main world's context id.
// Workers have a single realm and call the binding directly.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/metrics"
)

// Target is the protocol surface a Resolver needs. *cdp.Session implements it.
type Target interface {
	Execute(ctx context.Context, method string, params, res any) error
	Listen(fn func(*cdp.Event), methods ...string) *cdp.Subscription
	TargetID() target.ID
	Type() string
	Done() <-chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

type worldState struct {
	state State
	ctx   *Context
}

// attempt is one in-flight resolution. cleared is closed when a navigation
// commits underneath it.
type attempt struct {
	once    sync.Once
	cleared chan struct{}
}

func (a *attempt) clear() {
	a.once.Do(func() { close(a.cleared) })
}

// Resolver tracks the execution contexts of one target. It must be created
// before the target can navigate, and the target's Page domain must be
// enabled so navigation commits are observed.
type Resolver struct {
	t         Target
	cfg       Config
	logger    *slog.Logger
	worker    bool
	frameID   cdptypes.FrameID
	worldName string

	sf singleflight.Group

	mu        sync.Mutex
	epoch     uint64
	worlds    map[World]*worldState
	attempts  map[*attempt]struct{}
	hooks     map[uint64]func(Cleared)
	nextHook  uint64
	closed    bool
	stale     map[*Context]struct{}
	done      chan struct{}
	sub       *cdp.Subscription
	closeOnce sync.Once
}

// New starts tracking t. The resolver closes itself when t goes away.
func New(t Target, cfg Config, opts ...Option) *Resolver {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBinding
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Resolver{
		t:         t,
		cfg:       cfg,
		logger:    slog.Default(),
		worker:    cdp.IsWorker(t.Type()),
		frameID:   cdptypes.FrameID(t.TargetID()),
		worldName: randomName("w"),
		worlds: map[World]*worldState{
			WorldMain:     {},
			WorldIsolated: {},
		},
		attempts: make(map[*attempt]struct{}),
		hooks:    make(map[uint64]func(Cleared)),
		stale:    make(map[*Context]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "execctx", "target", truncate(string(t.TargetID())))

	if !r.worker {
		r.sub = t.Listen(r.onFrameNavigated, cdproto.EventPageFrameNavigated)
	}
	go func() {
		select {
		case <-t.Done():
			r.Close()
		case <-r.done:
		}
	}()
	return r
}

// TargetID is the tracked target.
func (r *Resolver) TargetID() target.ID { return r.t.TargetID() }

// Strategy is the configured strategy.
func (r *Resolver) Strategy() Strategy { return r.cfg.Strategy }

// State reports the resolution state of world.
func (r *Resolver) State(world World) State {
	world = r.effectiveWorld(world)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worlds[world].state
}

// Epoch counts navigation commits seen so far.
func (r *Resolver) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// OnCleared registers fn for the synthetic "contexts cleared" notification.
// fn runs on the connection's read goroutine, after every cached context has
// been invalidated and before any later protocol message is processed. It
// must not block.
func (r *Resolver) OnCleared(fn func(Cleared)) (cancel func()) {
	r.mu.Lock()
	r.nextHook++
	id := r.nextHook
	r.hooks[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

// Resolve returns a valid context for world, resolving it if needed.
// Concurrent callers for the same world share one attempt.
func (r *Resolver) Resolve(ctx context.Context, world World) (*Context, error) {
	world = r.effectiveWorld(world)
	select {
	case <-r.t.Done():
		return nil, fmt.Errorf("resolve %s world of %s: %w", world, r.t.TargetID(), ErrTargetGone)
	default:
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("resolve %s world of %s: %w", world, r.t.TargetID(), ErrTargetGone)
	}
	return r.get(ctx, world)
}

// Close stops tracking the target. In-flight and later resolutions fail with
// ErrTargetGone.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.done)
		r.mu.Unlock()
		r.sub.Cancel()
	})
}

func (r *Resolver) effectiveWorld(world World) World {
	if r.worker {
		return WorldMain
	}
	if r.cfg.Strategy == StrategyIsolated {
		return WorldIsolated
	}
	return world
}

func (r *Resolver) get(ctx context.Context, world World) (*Context, error) {
	r.mu.Lock()
	if ws := r.worlds[world]; ws.state == Resolved && ws.ctx != nil && ws.ctx.epoch == r.epoch {
		c := ws.ctx
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	ch := r.sf.DoChan(string(world), func() (any, error) {
		return r.resolve(world)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Context), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) resolve(world World) (*Context, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("resolve %s world of %s: %w", world, r.t.TargetID(), ErrTargetGone)
	}
	epoch := r.epoch
	att := &attempt{cleared: make(chan struct{})}
	r.attempts[att] = struct{}{}
	r.worlds[world].state = Resolving
	r.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	var id runtime.ExecutionContextID
	var err error
	if world == WorldIsolated {
		id, err = r.createIsolatedWorld(ctx)
	} else {
		id, err = r.bindingRoundTrip(ctx, att)
	}
	err = r.classify(ctx, att, world, err)

	r.mu.Lock()
	delete(r.attempts, att)
	ws := r.worlds[world]
	if err == nil && r.closed {
		err = fmt.Errorf("resolve %s world of %s: %w", world, r.t.TargetID(), ErrTargetGone)
	}
	if err == nil && r.epoch != epoch {
		err = fmt.Errorf("resolve %s world of %s: %w", world, r.t.TargetID(), ErrContextsCleared)
	}
	if err != nil {
		if errors.Is(err, ErrResolutionTimeout) {
			ws.state = TimedOut
		} else if ws.state == Resolving {
			ws.state = Unresolved
		}
		r.mu.Unlock()
		metrics.ContextResolutions.WithLabelValues(string(world), outcome(err)).Inc()
		r.logger.Debug("context resolution failed", "world", world, "error", err)
		return nil, err
	}
	c := &Context{TargetID: r.t.TargetID(), World: world, ID: id, epoch: epoch, r: r}
	ws.state = Resolved
	ws.ctx = c
	r.mu.Unlock()

	metrics.ContextResolutions.WithLabelValues(string(world), "ok").Inc()
	metrics.ContextResolutionSeconds.WithLabelValues(string(world)).Observe(time.Since(start).Seconds())
	r.logger.Debug("context resolved", "world", world, "id", id, "elapsed", time.Since(start))
	return c, nil
}

func (r *Resolver) createIsolatedWorld(ctx context.Context) (runtime.ExecutionContextID, error) {
	var res page.CreateIsolatedWorldReturns
	err := r.t.Execute(ctx, page.CommandCreateIsolatedWorld, &page.CreateIsolatedWorldParams{
		FrameID:             r.frameID,
		WorldName:           r.worldName,
		GrantUniveralAccess: true,
	}, &res)
	if err != nil {
		return 0, err
	}
	if res.ExecutionContextID == 0 {
		return 0, errors.New("createIsolatedWorld returned no context id")
	}
	return res.ExecutionContextID, nil
}

var errGoneMidWait = errors.New("target went away while waiting for binding")

func (r *Resolver) bindingRoundTrip(ctx context.Context, att *attempt) (runtime.ExecutionContextID, error) {
	name := randomName("b")
	payload := string(r.t.TargetID())

	got := make(chan runtime.ExecutionContextID, 1)
	sub := r.t.Listen(func(ev *cdp.Event) {
		var p runtime.EventBindingCalled
		if err := ev.Decode(&p); err != nil || p.Name != name || p.Payload != payload {
			return
		}
		select {
		case got <- p.ExecutionContextID:
		default:
		}
	}, cdproto.EventRuntimeBindingCalled)
	defer sub.Cancel()

	if err := r.t.Execute(ctx, runtime.CommandAddBinding, &addBindingParams{Name: name}, nil); err != nil {
		return 0, err
	}
	defer r.cleanup(runtime.CommandRemoveBinding, &runtime.RemoveBindingParams{Name: name})

	if r.worker {
		expr := "self[" + jsString(name) + "](" + jsString(payload) + ")"
		if err := r.t.Execute(ctx, runtime.CommandEvaluate, &evaluateParams{Expression: expr}, nil); err != nil {
			return 0, err
		}
	} else {
		var script page.AddScriptToEvaluateOnNewDocumentReturns
		if err := r.t.Execute(ctx, page.CommandAddScriptToEvaluateOnNewDocument, &page.AddScriptToEvaluateOnNewDocumentParams{
			Source:         bindingListenerScript(name),
			RunImmediately: true,
		}, &script); err != nil {
			return 0, err
		}
		defer r.cleanup(page.CommandRemoveScriptToEvaluateOnNewDocument, &page.RemoveScriptToEvaluateOnNewDocumentParams{
			Identifier: script.Identifier,
		})

		iso, err := r.get(ctx, WorldIsolated)
		if err != nil {
			return 0, err
		}
		if err := r.t.Execute(ctx, runtime.CommandEvaluate, &evaluateParams{
			Expression: bindingDispatchScript(name, payload),
			ContextID:  iso.ID,
		}, nil); err != nil {
			return 0, err
		}
	}

	select {
	case id := <-got:
		return id, nil
	case <-att.cleared:
		return 0, ErrContextsCleared
	case <-r.t.Done():
		return 0, errGoneMidWait
	case <-r.done:
		return 0, errGoneMidWait
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// cleanup removes a registration made during an attempt. It is best effort:
// a detached target has nothing left to clean.
func (r *Resolver) cleanup(method string, params any) {
	select {
	case <-r.t.Done():
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.t.Execute(ctx, method, params, nil); err != nil {
		r.logger.Debug("resolver cleanup failed", "method", method, "error", err)
	}
}

func (r *Resolver) classify(ctx context.Context, att *attempt, world World, err error) error {
	if err == nil {
		return nil
	}
	id := r.t.TargetID()
	select {
	case <-att.cleared:
		return fmt.Errorf("resolve %s world of %s: %w", world, id, ErrContextsCleared)
	default:
	}
	switch {
	case errors.Is(err, ErrContextsCleared), errors.Is(err, ErrResolutionTimeout), errors.Is(err, ErrTargetGone):
		return err
	case errors.Is(err, errGoneMidWait), errors.Is(err, cdp.ErrDetached), errors.Is(err, cdp.ErrClosed):
		return fmt.Errorf("resolve %s world of %s: %w: %w", world, id, ErrResolutionTimeout, ErrTargetGone)
	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("resolve %s world of %s after %s: %w", world, id, r.cfg.Timeout, ErrResolutionTimeout)
	}
	return fmt.Errorf("resolve %s world of %s: %w", world, id, err)
}

func (r *Resolver) onFrameNavigated(ev *cdp.Event) {
	var p page.EventFrameNavigated
	if err := ev.Decode(&p); err != nil || p.Frame == nil {
		return
	}
	if p.Frame.ID != r.frameID && p.Frame.ParentID != "" {
		return
	}
	r.invalidate("navigation")
}

// invalidate drops every context of the target and publishes Cleared. It
// runs on the connection's read goroutine, so no response that follows the
// commit on the wire can hand out a stale id.
func (r *Resolver) invalidate(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.epoch++
	for _, ws := range r.worlds {
		ws.state = Unresolved
		ws.ctx = nil
	}
	for a := range r.attempts {
		a.clear()
	}
	clear(r.stale)
	hooks := make([]func(Cleared), 0, len(r.hooks))
	for _, fn := range r.hooks {
		hooks = append(hooks, fn)
	}
	ev := Cleared{TargetID: r.t.TargetID(), Epoch: r.epoch, Reason: reason}
	r.mu.Unlock()

	metrics.ContextInvalidations.Inc()
	for _, fn := range hooks {
		fn(ev)
	}
}

// forget drops c from the cache after the browser reported it gone.
func (r *Resolver) forget(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws := r.worlds[c.World]; ws.ctx == c {
		ws.ctx = nil
		ws.state = Unresolved
	}
	if c.epoch == r.epoch {
		r.stale[c] = struct{}{}
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrContextsCleared):
		return "cleared"
	case errors.Is(err, ErrTargetGone):
		return "target_gone"
	case errors.Is(err, ErrResolutionTimeout):
		return "timeout"
	}
	return "error"
}

func randomName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func truncate(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
