package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/go-json-experiment/json"

	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/profile"
)

type getCookiesReturns struct {
	Cookies []profile.Cookie `json:"cookies"`
}

type cookieParam struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitzero"`
	Path     string  `json:"path,omitzero"`
	Expires  float64 `json:"expires,omitzero"`
	HTTPOnly bool    `json:"httpOnly,omitzero"`
	Secure   bool    `json:"secure,omitzero"`
	SameSite string  `json:"sameSite,omitzero"`
}

type setCookiesParams struct {
	Cookies []cookieParam `json:"cookies"`
}

// liveCookies drops cookies that expired while the profile was closed.
func liveCookies(cookies []profile.Cookie, now time.Time) []cookieParam {
	out := make([]cookieParam, 0, len(cookies))
	nowSec := float64(now.Unix())
	for _, c := range cookies {
		if !c.Session() && c.Expires < nowSec {
			continue
		}
		p := cookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
		}
		if !c.Session() {
			p.Expires = c.Expires
		}
		out = append(out, p)
	}
	return out
}

// cookies reads every cookie of the browser context.
func (s *Session) cookies(ctx context.Context) ([]profile.Cookie, error) {
	var res getCookiesReturns
	if err := s.conn.Browser().Execute(ctx, storage.CommandGetCookies, nil, &res); err != nil {
		return nil, err
	}
	return res.Cookies, nil
}

func (s *Session) setCookies(ctx context.Context, cookies []profile.Cookie) error {
	params := liveCookies(cookies, time.Now())
	if len(params) == 0 {
		return nil
	}
	return s.conn.Browser().Execute(ctx, storage.CommandSetCookies, &setCookiesParams{Cookies: params}, nil)
}

const readStorageScript = `(() => {
  try {
    const origin = location.origin;
    if (!origin || origin === "null") return null;
    const entries = [];
    for (let i = 0; i < localStorage.length; i++) {
      const name = localStorage.key(i);
      entries.push({name, value: localStorage.getItem(name)});
    }
    return {origin, entries};
  } catch (e) {
    return null;
  }
})()`

func writeStorageScript(entries []profile.StorageEntry) (string, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
  for (const e of %s) localStorage.setItem(e.name, e.value);
  return true;
})()`, b), nil
}

// readStorage returns the localStorage of tt's current origin, or nil for
// opaque origins.
func (s *Session) readStorage(ctx context.Context, tt *tracked) (*profile.OriginStorage, error) {
	var o *profile.OriginStorage
	if err := tt.resolver.Evaluate(ctx, execctx.WorldIsolated, readStorageScript, &o); err != nil {
		return nil, err
	}
	if o != nil && o.Entries == nil {
		o.Entries = []profile.StorageEntry{}
	}
	return o, nil
}

// capture reads cookies and the localStorage of every open page. A page
// whose storage cannot be read is skipped.
func (s *Session) capture(ctx context.Context) ([]profile.Cookie, []profile.OriginStorage, error) {
	cookies, err := s.cookies(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read cookies: %w", err)
	}
	var out []profile.OriginStorage
	seen := make(map[string]bool)
	for _, tt := range s.targets.pages() {
		o, err := s.readStorage(ctx, tt)
		if err != nil {
			s.logger.Warn("read localStorage failed", "target", tt.sess.TargetID(), "error", err)
			continue
		}
		if o == nil || seen[o.Origin] {
			continue
		}
		seen[o.Origin] = true
		out = append(out, *o)
	}
	return cookies, out, nil
}

// restore writes the saved cookies and localStorage into a freshly opened
// browser. Storage is written per origin by visiting it on the primary page.
func (s *Session) restore(ctx context.Context, rec *profile.Record) {
	if len(rec.Cookies) > 0 {
		if err := s.setCookies(ctx, rec.Cookies); err != nil {
			s.logger.Warn("restore cookies failed", "error", err)
		}
	}

	p := s.Page()
	if p == nil || len(rec.LocalStorage) == 0 {
		return
	}
	restored := false
	for _, o := range rec.LocalStorage {
		if len(o.Entries) == 0 {
			continue
		}
		if u, err := url.Parse(o.Origin); err != nil || u.Host == "" {
			s.logger.Warn("skip localStorage of unusable origin", "origin", o.Origin)
			continue
		}
		restored = true
		if err := p.navigate(ctx, o.Origin); err != nil {
			s.logger.Warn("restore localStorage failed", "origin", o.Origin, "error", err)
			continue
		}
		if err := p.setLocalStorage(ctx, o.Entries); err != nil {
			s.logger.Warn("restore localStorage failed", "origin", o.Origin, "error", err)
		}
	}
	if restored {
		if err := p.navigate(ctx, "about:blank"); err != nil {
			s.logger.Warn("return to blank page failed", "error", err)
		}
	}
}
