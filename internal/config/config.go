// Package config loads veil's configuration from defaults, an optional
// YAML or TOML file, a .env file and VEIL_* environment variables, in that
// order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/execctx"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/logging"
	"github.com/neboloop/veil/internal/profile"
	"github.com/neboloop/veil/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. VEIL_PORTS_BASE.
const EnvPrefix = "VEIL"

// DefaultLivenessSchedule is how often dead sessions are swept.
const DefaultLivenessSchedule = "@every 30s"

type Config struct {
	// DataDir holds the profiles directory and the catalog database.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty" toml:"dataDir" envconfig:"DATA_DIR"`

	Browser     browser.Config     `json:"browser" yaml:"browser" toml:"browser" envconfig:"BROWSER"`
	Ports       browser.PortRange  `json:"ports" yaml:"ports" toml:"ports" envconfig:"PORTS"`
	Resolver    execctx.Config     `json:"resolver" yaml:"resolver" toml:"resolver" envconfig:"RESOLVER"`
	Fingerprint fingerprint.Config `json:"fingerprint" yaml:"fingerprint" toml:"fingerprint" envconfig:"FINGERPRINT"`
	Session     SessionConfig      `json:"session" yaml:"session" toml:"session" envconfig:"SESSION"`
	Status      StatusConfig       `json:"status" yaml:"status" toml:"status" envconfig:"STATUS"`
	Liveness    LivenessConfig     `json:"liveness" yaml:"liveness" toml:"liveness" envconfig:"LIVENESS"`
	Log         logging.Config     `json:"log" yaml:"log" toml:"log" envconfig:"LOG"`
}

// SessionConfig holds per-session timing and emulation defaults.
type SessionConfig struct {
	OpenTimeout time.Duration `json:"openTimeout,omitempty" yaml:"openTimeout,omitempty" toml:"openTimeout" envconfig:"OPEN_TIMEOUT"`
	LoadTimeout time.Duration `json:"loadTimeout,omitempty" yaml:"loadTimeout,omitempty" toml:"loadTimeout" envconfig:"LOAD_TIMEOUT"`
	Timezone    string        `json:"timezone,omitempty" yaml:"timezone,omitempty" toml:"timezone" envconfig:"TIMEZONE"`
	Viewport    Viewport      `json:"viewport" yaml:"viewport" toml:"viewport" envconfig:"VIEWPORT"`
}

// Viewport is the default emulated window size.
type Viewport struct {
	Width  int `json:"width" yaml:"width" toml:"width" envconfig:"WIDTH"`
	Height int `json:"height" yaml:"height" toml:"height" envconfig:"HEIGHT"`
}

// StatusConfig configures the read-only HTTP status server. An empty Addr
// disables it.
type StatusConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr" envconfig:"ADDR"`
}

// LivenessConfig schedules the pool sweep. Schedule is a cron spec such as
// "@every 30s" or "*/1 * * * *".
type LivenessConfig struct {
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" toml:"schedule" envconfig:"SCHEDULE"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	s := session.DefaultConfig()
	return Config{
		DataDir:     defaultDataDir(),
		Browser:     s.Browser,
		Ports:       s.Ports,
		Resolver:    s.Resolver,
		Fingerprint: s.Fingerprint,
		Session: SessionConfig{
			OpenTimeout: s.OpenTimeout,
			LoadTimeout: s.LoadTimeout,
			Viewport:    Viewport{Width: s.Viewport.Width, Height: s.Viewport.Height},
		},
		Status:   StatusConfig{Addr: "127.0.0.1:9290"},
		Liveness: LivenessConfig{Schedule: DefaultLivenessSchedule},
		Log:      logging.DefaultConfig(),
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "veil")
	}
	return ".veil"
}

// Load builds the configuration. path may be empty; a missing .env is fine.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := LoadFromBytes(data, formatOf(path), &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	}
	return "yaml"
}

// LoadFromBytes decodes a YAML or TOML document over c with environment
// variable expansion. Fields the document omits keep their value.
func LoadFromBytes(data []byte, format string, c *Config) error {
	expanded := []byte(os.ExpandEnv(string(data)))
	if format == "toml" {
		// TOML has no duration type. Going through a generic tree lets
		// durations be written as "5s" in both formats.
		var tree map[string]any
		if err := toml.Unmarshal(expanded, &tree); err != nil {
			return err
		}
		var err error
		if expanded, err = yaml.Marshal(tree); err != nil {
			return err
		}
	}
	return yaml.Unmarshal(expanded, c)
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("dataDir must be set")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Session.Viewport.Width < 0 || c.Session.Viewport.Height < 0 {
		return fmt.Errorf("session.viewport must not be negative")
	}
	if c.Session.Timezone != "" {
		if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
			return fmt.Errorf("session.timezone: %w", err)
		}
	}
	return c.SessionConfig().Validate()
}

// ProfilesDir is where profile directories live.
func (c Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// SessionConfig maps the file layout onto the runtime's config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		Browser:     c.Browser,
		Ports:       c.Ports,
		Resolver:    c.Resolver,
		Fingerprint: c.Fingerprint,
		OpenTimeout: c.Session.OpenTimeout,
		LoadTimeout: c.Session.LoadTimeout,
		Timezone:    c.Session.Timezone,
		Viewport:    profile.Viewport{Width: c.Session.Viewport.Width, Height: c.Session.Viewport.Height},
	}
}
