package browser

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Config controls how browsers are launched for profiles.
type Config struct {
	// ExecutablePath overrides auto-detection of Chrome.
	ExecutablePath string `json:"executablePath,omitempty" yaml:"executablePath,omitempty" toml:"executablePath" envconfig:"EXECUTABLE_PATH"`

	// Headless runs browsers without UI.
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty" toml:"headless" envconfig:"HEADLESS"`

	// NoSandbox disables Chrome sandbox (needed in some containers).
	NoSandbox bool `json:"noSandbox,omitempty" yaml:"noSandbox,omitempty" toml:"noSandbox" envconfig:"NO_SANDBOX"`

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string `json:"extraArgs,omitempty" yaml:"extraArgs,omitempty" toml:"extraArgs" envconfig:"EXTRA_ARGS"`

	// LaunchTimeout bounds the wait for DevTools after starting the process.
	LaunchTimeout time.Duration `json:"launchTimeout,omitempty" yaml:"launchTimeout,omitempty" toml:"launchTimeout" envconfig:"LAUNCH_TIMEOUT"`

	// StopTimeout is the grace period before a browser is killed.
	StopTimeout time.Duration `json:"stopTimeout,omitempty" yaml:"stopTimeout,omitempty" toml:"stopTimeout" envconfig:"STOP_TIMEOUT"`
}

// DefaultConfig returns the default launch configuration.
func DefaultConfig() Config {
	return Config{
		Headless:      true,
		LaunchTimeout: DefaultLaunchTimeout,
		StopTimeout:   DefaultStopTimeout,
	}
}

// LaunchSpec describes one browser process for one profile.
type LaunchSpec struct {
	UserDataDir string
	Port        int
	Headless    bool
	Lang        string
	Width       int
	Height      int
}

// DevToolsURL returns the HTTP DevTools endpoint for a local port.
func DevToolsURL(port int) string {
	return fmt.Sprintf("http://%s:%d", loopbackHost, port)
}

// portFromURL extracts the port of a DevTools or WebSocket URL.
func portFromURL(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" || u.Scheme == "wss" {
			return 443, nil
		}
		return 80, nil
	}
	return strconv.Atoi(port)
}

func isLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
