package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"

	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/profile"
)

// pollInterval is how often WaitFor re-checks its selector.
const pollInterval = 100 * time.Millisecond

type navigateParams struct {
	URL string `json:"url"`
}

type navigateReturns struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId"`
	ErrorText string `json:"errorText"`
}

type mouseEventParams struct {
	Type       input.MouseType   `json:"type"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Button     input.MouseButton `json:"button,omitzero"`
	Buttons    int64             `json:"buttons,omitzero"`
	ClickCount int64             `json:"clickCount,omitzero"`
}

type rect struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Found bool    `json:"found"`
}

// Page is a handle on one tracked target of a session. Handles stay usable
// across navigations; contexts are re-resolved as needed.
type Page struct {
	s *Session
	t *tracked
}

// TargetID is the page's target id.
func (p *Page) TargetID() target.ID { return p.t.sess.TargetID() }

// TargetType is the target type, such as "page" or "service_worker".
func (p *Page) TargetType() string { return p.t.sess.Type() }

// Resolver exposes the page's execution-context resolver.
func (p *Page) Resolver() *execctx.Resolver { return p.t.resolver }

// Navigate loads url and waits for the load event or the load timeout,
// whichever comes first.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.s.Do(ctx, func(ctx context.Context) error {
		return p.navigate(ctx, url)
	})
}

func (p *Page) navigate(ctx context.Context, url string) error {
	loaded := make(chan struct{}, 1)
	sub := p.t.sess.Listen(func(*cdp.Event) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	}, cdproto.EventPageLoadEventFired)
	defer sub.Cancel()

	var res navigateReturns
	if err := p.t.sess.Execute(ctx, page.CommandNavigate, &navigateParams{URL: url}, &res); err != nil {
		return p.gone(fmt.Errorf("navigate to %s: %w", url, err))
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
	}
	// Same-document navigations have no loader and fire no load event.
	if res.LoaderID == "" {
		return nil
	}

	timer := time.NewTimer(p.s.loadTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-timer.C:
		p.s.logger.Warn("load event not seen before timeout", "url", url, "timeout", p.s.loadTimeout)
		return nil
	case <-p.t.sess.Done():
		return fmt.Errorf("navigate to %s: %w", url, execctx.ErrTargetGone)
	case <-p.s.closing:
		return fmt.Errorf("navigate to %s: %w", url, ErrSessionClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs expression in world and decodes its result into out.
// A navigation that clears contexts mid-call is retried once.
//
// Evaluate is not serialized with Navigate, Click and the other queued
// operations, so it may run inside a Do task. Wrap expressions that
// navigate, submit or otherwise mutate the page in Do.
func (p *Page) Evaluate(ctx context.Context, world execctx.World, expression string, out any) error {
	err := p.s.evaluate(ctx, p.t, world, expression, out)
	if errors.Is(err, execctx.ErrContextsCleared) {
		err = p.s.evaluate(ctx, p.t, world, expression, out)
	}
	return err
}

// Click dispatches a left click at the centre of the first element matching
// selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.s.Do(ctx, func(ctx context.Context) error {
		r, err := p.center(ctx, selector)
		if err != nil {
			return err
		}
		for _, ev := range []mouseEventParams{
			{Type: input.MouseMoved, X: r.X, Y: r.Y},
			{Type: input.MousePressed, X: r.X, Y: r.Y, Button: input.Left, Buttons: 1, ClickCount: 1},
			{Type: input.MouseReleased, X: r.X, Y: r.Y, Button: input.Left, ClickCount: 1},
		} {
			if err := p.t.sess.Execute(ctx, input.CommandDispatchMouseEvent, &ev, nil); err != nil {
				return p.gone(fmt.Errorf("click %s: %w", selector, err))
			}
		}
		return nil
	})
}

func (p *Page) center(ctx context.Context, selector string) (rect, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return rect{}, err
	}
	expr := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return {found: false, x: 0, y: 0};
  el.scrollIntoView({block: "center", inline: "center"});
  const r = el.getBoundingClientRect();
  return {found: true, x: r.left + r.width / 2, y: r.top + r.height / 2};
})()`, sel)
	var r rect
	if err := p.Evaluate(ctx, execctx.WorldIsolated, expr, &r); err != nil {
		return rect{}, err
	}
	if !r.Found {
		return rect{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return r, nil
}

// Type inserts text into the focused element.
func (p *Page) Type(ctx context.Context, text string) error {
	return p.s.Do(ctx, func(ctx context.Context) error {
		err := p.t.sess.Execute(ctx, input.CommandInsertText, &input.InsertTextParams{Text: text}, nil)
		return p.gone(err)
	})
}

// WaitFor polls until selector matches an element. It returns false, not
// an error, when timeout elapses first.
func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, sel)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		var found bool
		err := p.Evaluate(ctx, execctx.WorldIsolated, expr, &found)
		switch {
		case err == nil && found:
			return true, nil
		case errors.Is(err, execctx.ErrTargetGone), errors.Is(err, ErrSessionClosed):
			return false, err
		case err != nil && ctx.Err() != nil:
			return false, ctx.Err()
		}
		select {
		case <-deadline.C:
			return false, nil
		case <-p.s.closing:
			return false, ErrSessionClosed
		case <-ctx.Done():
			return false, ctx.Err()
		case <-tick.C:
		}
	}
}

// URL returns the page's current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.Evaluate(ctx, execctx.WorldIsolated, "location.href", &u)
	return u, err
}

// Cookies returns every cookie of the session's browser.
func (p *Page) Cookies(ctx context.Context) ([]profile.Cookie, error) {
	return p.s.cookies(ctx)
}

// SetCookies writes cookies, skipping ones that already expired.
func (p *Page) SetCookies(ctx context.Context, cookies []profile.Cookie) error {
	return p.s.Do(ctx, func(ctx context.Context) error {
		return p.s.setCookies(ctx, cookies)
	})
}

// LocalStorage returns the localStorage of the page's current origin, or
// nil for pages without one.
func (p *Page) LocalStorage(ctx context.Context) (*profile.OriginStorage, error) {
	return p.s.readStorage(ctx, p.t)
}

// SetLocalStorage writes entries into the current origin's localStorage.
func (p *Page) SetLocalStorage(ctx context.Context, entries []profile.StorageEntry) error {
	return p.s.Do(ctx, func(ctx context.Context) error {
		return p.setLocalStorage(ctx, entries)
	})
}

func (p *Page) setLocalStorage(ctx context.Context, entries []profile.StorageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	expr, err := writeStorageScript(entries)
	if err != nil {
		return err
	}
	return p.Evaluate(ctx, execctx.WorldIsolated, expr, nil)
}

// gone maps a lost target onto ErrTargetGone.
func (p *Page) gone(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, cdp.ErrDetached) || errors.Is(err, cdp.ErrClosed) {
		return fmt.Errorf("%w: %w", execctx.ErrTargetGone, err)
	}
	return err
}
