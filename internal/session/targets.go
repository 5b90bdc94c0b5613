package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/profile"
)

// setupTimeout bounds the per-target instrumentation that runs while the
// target is paused.
const setupTimeout = 10 * time.Second

type filterEntry struct {
	Type    string `json:"type,omitzero"`
	Exclude bool   `json:"exclude,omitzero"`
}

// targetFilter skips the browser and tab targets and accepts the rest.
var targetFilter = []filterEntry{
	{Type: "browser", Exclude: true},
	{Type: "tab", Exclude: true},
	{},
}

type setAutoAttachParams struct {
	AutoAttach             bool          `json:"autoAttach"`
	WaitForDebuggerOnStart bool          `json:"waitForDebuggerOnStart"`
	Flatten                bool          `json:"flatten"`
	Filter                 []filterEntry `json:"filter,omitzero"`
}

type setDiscoverTargetsParams struct {
	Discover bool          `json:"discover"`
	Filter   []filterEntry `json:"filter,omitzero"`
}

type attachToTargetParams struct {
	TargetID target.ID `json:"targetId"`
	Flatten  bool      `json:"flatten"`
}

type deviceMetricsParams struct {
	Width             int64   `json:"width"`
	Height            int64   `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor"`
	Mobile            bool    `json:"mobile"`
}

// tracked is one instrumented target.
type tracked struct {
	sess     *cdp.Session
	resolver *execctx.Resolver
	ready    chan struct{}
}

func pageLike(typ string) bool {
	return typ == "page" || typ == "iframe"
}

// targets attaches to every target of a browser and instruments it before
// it runs: Page domain, nested auto-attach, emulation, identity and a
// context resolver, then resume.
type targets struct {
	conn     *cdp.Conn
	injector *fingerprint.Injector
	identity fingerprint.Identity
	inputs   profile.IdentityInputs
	resolver execctx.Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	stopped     bool
	byTarget    map[target.ID]*tracked
	primary     *tracked
	primaryCh   chan struct{}
	primaryOnce sync.Once
	subs        []*cdp.Subscription
}

func newTargets(conn *cdp.Conn, injector *fingerprint.Injector, identity fingerprint.Identity, inputs profile.IdentityInputs, resolver execctx.Config, logger *slog.Logger) *targets {
	ctx, cancel := context.WithCancel(context.Background())
	return &targets{
		conn:      conn,
		injector:  injector,
		identity:  identity,
		inputs:    inputs,
		resolver:  resolver,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		byTarget:  make(map[target.ID]*tracked),
		primaryCh: make(chan struct{}),
	}
}

// start enables discovery and auto-attach, then attaches any page that
// existed before auto-attach was turned on.
func (t *targets) start(ctx context.Context) error {
	b := t.conn.Browser()
	t.listen(b)

	if err := b.Execute(ctx, target.CommandSetDiscoverTargets, &setDiscoverTargetsParams{Discover: true, Filter: targetFilter}, nil); err != nil {
		return err
	}
	if err := b.Execute(ctx, target.CommandSetAutoAttach, &setAutoAttachParams{
		AutoAttach:             true,
		WaitForDebuggerOnStart: true,
		Flatten:                true,
		Filter:                 targetFilter,
	}, nil); err != nil {
		return err
	}

	var res target.GetTargetsReturns
	if err := b.Execute(ctx, target.CommandGetTargets, nil, &res); err != nil {
		return err
	}
	for _, info := range res.TargetInfos {
		if info == nil || info.Type != "page" || t.known(info.TargetID) {
			continue
		}
		err := b.Execute(ctx, target.CommandAttachToTarget, &attachToTargetParams{TargetID: info.TargetID, Flatten: true}, nil)
		if err != nil {
			t.logger.Warn("attach to existing page failed", "target", info.TargetID, "error", err)
		}
	}
	return nil
}

// listen subscribes to attach and detach notifications on s. Targets
// auto-attached through a page report on the page's session.
func (t *targets) listen(s *cdp.Session) {
	sub := s.Listen(t.onEvent, cdproto.EventTargetAttachedToTarget, cdproto.EventTargetDetachedFromTarget)
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
}

func (t *targets) known(id target.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byTarget[id]
	return ok
}

// onEvent runs on the connection's read goroutine.
func (t *targets) onEvent(ev *cdp.Event) {
	switch ev.Method {
	case cdproto.EventTargetAttachedToTarget:
		var p target.EventAttachedToTarget
		if err := ev.Decode(&p); err != nil || p.TargetInfo == nil {
			return
		}
		sess, ok := t.conn.Session(p.SessionID)
		if !ok {
			return
		}
		// The resolver must observe navigations from the first frame on, so
		// it is created here rather than in setup.
		tt := &tracked{
			sess:     sess,
			resolver: execctx.New(sess, t.resolver, execctx.WithLogger(t.logger)),
			ready:    make(chan struct{}),
		}

		t.mu.Lock()
		if _, dup := t.byTarget[sess.TargetID()]; dup || t.stopped {
			t.mu.Unlock()
			tt.resolver.Close()
			return
		}
		t.byTarget[sess.TargetID()] = tt
		t.wg.Add(1)
		t.mu.Unlock()

		go t.setup(tt)

	case cdproto.EventTargetDetachedFromTarget:
		var p target.EventDetachedFromTarget
		if err := ev.Decode(&p); err != nil {
			return
		}
		sess, ok := t.conn.Session(p.SessionID)
		if !ok {
			return
		}
		t.mu.Lock()
		delete(t.byTarget, sess.TargetID())
		t.mu.Unlock()
		t.injector.Forget(sess.TargetID())
	}
}

func (t *targets) setup(tt *tracked) {
	defer t.wg.Done()
	defer close(tt.ready)

	ctx, cancel := context.WithTimeout(t.ctx, setupTimeout)
	defer cancel()

	s := tt.sess
	typ := s.Type()
	log := t.logger.With("target", s.TargetID(), "type", typ)

	if pageLike(typ) {
		if err := s.Execute(ctx, page.CommandEnable, nil, nil); err != nil {
			log.Warn("page enable failed", "error", err)
		}
		t.listen(s)
		if err := s.Execute(ctx, target.CommandSetAutoAttach, &setAutoAttachParams{
			AutoAttach:             true,
			WaitForDebuggerOnStart: true,
			Flatten:                true,
		}, nil); err != nil {
			log.Warn("nested auto-attach failed", "error", err)
		}
		t.emulate(ctx, s, log)
	}

	if pageLike(typ) || cdp.IsWorker(typ) {
		if err := t.injector.Apply(ctx, s, t.identity); err != nil {
			log.Warn("identity injection failed", "error", err)
		}
	}

	if s.WaitingForDebugger() {
		if err := s.Execute(ctx, runtime.CommandRunIfWaitingForDebugger, nil, nil); err != nil && !errors.Is(err, cdp.ErrDetached) {
			log.Warn("resume failed", "error", err)
		}
	}

	if typ == "page" && s.ParentID() == "" {
		t.primaryOnce.Do(func() {
			t.mu.Lock()
			t.primary = tt
			t.mu.Unlock()
			close(t.primaryCh)
		})
	}
	log.Debug("target ready")
}

func (t *targets) emulate(ctx context.Context, s *cdp.Session, log *slog.Logger) {
	in := t.inputs
	if in.Timezone != "" {
		if err := s.Execute(ctx, emulation.CommandSetTimezoneOverride, &emulation.SetTimezoneOverrideParams{TimezoneID: in.Timezone}, nil); err != nil {
			log.Warn("timezone override failed", "timezone", in.Timezone, "error", err)
		}
	}
	if in.Locale != "" {
		if err := s.Execute(ctx, emulation.CommandSetLocaleOverride, &emulation.SetLocaleOverrideParams{Locale: in.Locale}, nil); err != nil {
			log.Warn("locale override failed", "locale", in.Locale, "error", err)
		}
	}
	if s.Type() == "page" && in.Viewport.Width > 0 && in.Viewport.Height > 0 {
		if err := s.Execute(ctx, emulation.CommandSetDeviceMetricsOverride, &deviceMetricsParams{
			Width:             int64(in.Viewport.Width),
			Height:            int64(in.Viewport.Height),
			DeviceScaleFactor: 1,
		}, nil); err != nil {
			log.Warn("viewport override failed", "error", err)
		}
	}
}

// waitPrimary blocks until the first top-level page is instrumented.
func (t *targets) waitPrimary(ctx context.Context) (*tracked, error) {
	select {
	case <-t.primaryCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.primary, nil
	case <-t.conn.Done():
		return nil, t.conn.Err()
	case <-ctx.Done():
		return nil, errors.Join(ErrNoPage, ctx.Err())
	}
}

func (t *targets) primaryTarget() *tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primary
}

func (t *targets) get(id target.ID) (*tracked, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tt, ok := t.byTarget[id]
	return tt, ok
}

// pages returns the live top-level pages, primary first.
func (t *targets) pages() []*tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*tracked
	if t.primary != nil && !t.primary.sess.Detached() {
		out = append(out, t.primary)
	}
	for _, tt := range t.byTarget {
		if tt != t.primary && tt.sess.Type() == "page" && !tt.sess.Detached() {
			out = append(out, tt)
		}
	}
	return out
}

// all returns a snapshot of every tracked target.
func (t *targets) all() []*tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tracked, 0, len(t.byTarget))
	for _, tt := range t.byTarget {
		out = append(out, tt)
	}
	return out
}

// stop cancels in-flight setup, waits for it and tears down listeners and
// resolvers.
func (t *targets) stop() {
	// No setup starts once stopped is set, so Wait sees every Add.
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	all := make([]*tracked, 0, len(t.byTarget))
	for _, tt := range t.byTarget {
		all = append(all, tt)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	for _, tt := range all {
		tt.resolver.Close()
		t.injector.Forget(tt.sess.TargetID())
	}
}
