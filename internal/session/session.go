package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	chrome "github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/lifecycle"
	"github.com/neboloop/veil/internal/profile"
)

// captureTimeout bounds reading cookies and storage on close.
const captureTimeout = 10 * time.Second

// Session is one live, profile-scoped browser. It is safe for concurrent
// use; page mutations are serialized through its task queue.
type Session struct {
	name     string
	port     int
	created  time.Time
	identity fingerprint.Identity
	inputs   profile.IdentityInputs

	store *profile.Store
	lock  *profile.Lock
	proc  *chrome.Process
	conn  *cdp.Conn

	targets     *targets
	queue       *queue
	loadTimeout time.Duration
	stopTimeout time.Duration
	onClosed    func(*Session)
	events      *lifecycle.Manager
	logger      *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Name is the profile the session belongs to.
func (s *Session) Name() string { return s.name }

// Port is the session's DevTools port.
func (s *Session) Port() int { return s.port }

// CreatedAt is when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.created }

// Identity is the fingerprint applied to every target of the session.
func (s *Session) Identity() fingerprint.Identity { return s.identity }

// Launched reports whether the session started its own browser rather
// than attaching to one already listening on its port.
func (s *Session) Launched() bool { return s.proc != nil }

// Page returns the primary page.
func (s *Session) Page() *Page {
	tt := s.targets.primaryTarget()
	if tt == nil {
		return nil
	}
	return &Page{s: s, t: tt}
}

// Pages returns every live top-level page, primary first.
func (s *Session) Pages() []*Page {
	var out []*Page
	for _, tt := range s.targets.pages() {
		out = append(out, &Page{s: s, t: tt})
	}
	return out
}

// Target returns the page, frame or worker with the given id.
func (s *Session) Target(id target.ID) (*Page, bool) {
	tt, ok := s.targets.get(id)
	if !ok {
		return nil, false
	}
	return &Page{s: s, t: tt}, true
}

// Do runs fn on the session's task queue. fn's context ends when the
// session starts closing.
func (s *Session) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	return s.queue.Do(ctx, fn)
}

// Closed reports whether the connection is gone or the primary page
// detached. It never blocks.
func (s *Session) Closed() bool {
	select {
	case <-s.closing:
		return true
	default:
	}
	if s.conn.Closed() {
		return true
	}
	tt := s.targets.primaryTarget()
	return tt != nil && tt.sess.Detached()
}

// Done is closed once Close has finished.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Info describes the session.
func (s *Session) Info() *Info {
	return &Info{
		Name:      s.name,
		Port:      s.port,
		CreatedAt: s.created,
		Launched:  s.Launched(),
		Seed:      s.identity.Seed,
		Brands:    s.identity.Brands,
		UserAgent: s.identity.UserAgent,
	}
}

// Close persists cookies and storage, shuts the browser down and releases
// the profile. Later calls return the first call's result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.closeErr = s.shutdown(ctx)
		close(s.closed)
	})
	<-s.closed
	return s.closeErr
}

func (s *Session) shutdown(ctx context.Context) error {
	log := s.logger
	var errs []error

	// Stopping the queue cancels the running task, so the capture runs
	// alone and right away. A dead connection leaves the stored state
	// untouched.
	s.queue.stop()
	var (
		cookies []profile.Cookie
		storage []profile.OriginStorage
		capErr  error
	)
	if !s.conn.Closed() {
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		cookies, storage, capErr = s.capture(cctx)
		cancel()
	} else {
		capErr = cdp.ErrClosed
	}

	if capErr != nil {
		log.Warn("session state not captured", "error", capErr)
	} else if err := s.save(ctx, cookies, storage); err != nil {
		errs = append(errs, fmt.Errorf("save profile: %w", err))
	}

	if !s.conn.Closed() {
		bctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
		err := s.conn.Browser().Execute(bctx, browser.CommandClose, nil, nil)
		cancel()
		if err != nil && !errors.Is(err, cdp.ErrClosed) {
			log.Debug("Browser.close failed", "error", err)
		}
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, cdp.ErrClosed) {
		errs = append(errs, err)
	}
	s.targets.stop()

	if s.proc != nil {
		if err := s.proc.Stop(s.stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop browser: %w", err))
		}
	}

	// Leave the pool before the lock is dropped so a concurrent reopen
	// never finds this session's entry.
	if s.onClosed != nil {
		s.onClosed(s)
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release profile lock: %w", err))
	}
	err := errors.Join(errs...)
	log.Info("session closed", "port", s.port)
	s.events.Emit(lifecycle.EventSessionClosed, s.eventData(err))
	return err
}

func (s *Session) save(ctx context.Context, cookies []profile.Cookie, storage []profile.OriginStorage) error {
	rec, err := s.store.Load(s.name)
	if errors.Is(err, profile.ErrNotFound) {
		rec, err = &profile.Record{Name: s.name}, nil
	}
	if err != nil {
		return err
	}
	rec.Cookies = cookies
	rec.MergeLocalStorage(storage)
	rec.LastUsed = time.Now()
	rec.Identity = s.inputs
	return s.store.Save(ctx, rec)
}

// watch closes the session when its browser goes away underneath it.
func (s *Session) watch() {
	var primaryGone <-chan struct{}
	if tt := s.targets.primaryTarget(); tt != nil {
		primaryGone = tt.sess.Done()
	}
	select {
	case <-s.closing:
		return
	case <-s.conn.Done():
	case <-primaryGone:
	}
	select {
	case <-s.closing:
		return
	default:
	}
	if s.conn.Closed() {
		s.logger.Warn("browser connection lost", "error", s.conn.Err())
		s.events.Emit(lifecycle.EventSessionLost, s.eventData(s.conn.Err()))
	} else {
		s.logger.Warn("primary page detached")
		s.events.Emit(lifecycle.EventSessionLost, s.eventData(ErrNoPage))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout+captureTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		s.logger.Warn("close after browser loss", "error", err)
	}
}

func (s *Session) eventData(err error) lifecycle.SessionEventData {
	return lifecycle.SessionEventData{Name: s.name, Port: s.port, Launched: s.Launched(), Err: err}
}

// evaluate runs expr on the given target's resolver.
func (s *Session) evaluate(ctx context.Context, tt *tracked, world execctx.World, expr string, out any) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	return tt.resolver.Evaluate(ctx, world, expr, out)
}
