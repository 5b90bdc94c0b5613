package session

import (
	"fmt"
	"time"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/profile"
)

const (
	DefaultOpenTimeout = 60 * time.Second
	DefaultLoadTimeout = 30 * time.Second
)

// Config is everything the runtime needs besides its collaborators.
type Config struct {
	Browser     browser.Config
	Ports       browser.PortRange
	Resolver    execctx.Config
	Fingerprint fingerprint.Config

	// OpenTimeout bounds a whole Open, launch included.
	OpenTimeout time.Duration

	// LoadTimeout bounds the wait for a load event after navigation.
	LoadTimeout time.Duration

	// Timezone and Viewport are applied to profiles that do not set their
	// own.
	Timezone string
	Viewport profile.Viewport
}

// DefaultConfig returns a runtime config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Browser:     browser.DefaultConfig(),
		Ports:       browser.DefaultPortRange(),
		Resolver:    execctx.DefaultConfig(),
		Fingerprint: fingerprint.DefaultConfig(),
		OpenTimeout: DefaultOpenTimeout,
		LoadTimeout: DefaultLoadTimeout,
		Viewport:    profile.Viewport{Width: 1366, Height: 768},
	}
}

func (c *Config) withDefaults() {
	if c.Ports.Size == 0 {
		c.Ports = browser.DefaultPortRange()
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.Browser.LaunchTimeout <= 0 {
		c.Browser.LaunchTimeout = browser.DefaultLaunchTimeout
	}
	if c.Browser.StopTimeout <= 0 {
		c.Browser.StopTimeout = browser.DefaultStopTimeout
	}
}

// Validate checks the nested configs.
func (c Config) Validate() error {
	if err := c.Ports.Validate(); err != nil {
		return fmt.Errorf("ports: %w", err)
	}
	if err := c.Resolver.Validate(); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := c.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	return nil
}

// OpenOptions override stored identity inputs for one open. Zero fields
// keep the stored or configured value.
type OpenOptions struct {
	Headless  *bool
	Locale    string
	Timezone  string
	UserAgent string
	Viewport  *profile.Viewport
	Seed      int
}

// inputs merges stored inputs, configured defaults and per-open overrides,
// in increasing priority.
func (c Config) inputs(stored profile.IdentityInputs, o OpenOptions) profile.IdentityInputs {
	in := profile.IdentityInputs{
		Locale:   c.Fingerprint.Locale,
		Timezone: c.Timezone,
		Viewport: c.Viewport,
		Headless: c.Browser.Headless,
		Seed:     c.Fingerprint.Seed,
	}
	if stored.UserAgent != "" {
		in.UserAgent = stored.UserAgent
	}
	if stored.Locale != "" {
		in.Locale = stored.Locale
	}
	if stored.Timezone != "" {
		in.Timezone = stored.Timezone
	}
	if stored.Viewport.Width > 0 && stored.Viewport.Height > 0 {
		in.Viewport = stored.Viewport
	}
	if stored.Seed > 0 {
		in.Seed = stored.Seed
	}

	if o.Headless != nil {
		in.Headless = *o.Headless
	}
	if o.Locale != "" {
		in.Locale = o.Locale
	}
	if o.Timezone != "" {
		in.Timezone = o.Timezone
	}
	if o.UserAgent != "" {
		in.UserAgent = o.UserAgent
	}
	if o.Viewport != nil {
		in.Viewport = *o.Viewport
	}
	if o.Seed > 0 {
		in.Seed = o.Seed
	}
	return in
}
