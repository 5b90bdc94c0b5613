package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/veil/internal/execctx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9300, c.Ports.Base)
	assert.Equal(t, 700, c.Ports.Size)
	assert.Equal(t, execctx.StrategyBinding, c.Resolver.Strategy)
	assert.Equal(t, DefaultLivenessSchedule, c.Liveness.Schedule)
	assert.Equal(t, "info", c.Log.Level)
	assert.True(t, c.Browser.Headless)
	assert.True(t, c.Fingerprint.Overrides.UserAgent)
	assert.NotEmpty(t, c.DataDir)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "veil.yaml", `
dataDir: /var/lib/veil
browser:
  headless: false
  noSandbox: true
  launchTimeout: 20s
ports:
  base: 10000
  size: 50
resolver:
  strategy: isolated
  timeout: 3s
fingerprint:
  platform: macOS
  overrides:
    webgl: false
session:
  timezone: Europe/Berlin
status:
  addr: ""
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/veil", c.DataDir)
	assert.False(t, c.Browser.Headless)
	assert.True(t, c.Browser.NoSandbox)
	assert.Equal(t, 20*time.Second, c.Browser.LaunchTimeout)
	assert.Equal(t, 10000, c.Ports.Base)
	assert.Equal(t, execctx.StrategyIsolated, c.Resolver.Strategy)
	assert.Equal(t, 3*time.Second, c.Resolver.Timeout)
	assert.Equal(t, "macOS", c.Fingerprint.Platform)
	assert.False(t, c.Fingerprint.Overrides.WebGL)
	assert.Equal(t, "Europe/Berlin", c.Session.Timezone)
	assert.Empty(t, c.Status.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, "Google Chrome", c.Fingerprint.PrimaryBrand)
	assert.Equal(t, 1366, c.Session.Viewport.Width)

	sc := c.SessionConfig()
	assert.Equal(t, 10050, sc.Ports.Base+sc.Ports.Size)
	assert.Equal(t, "Europe/Berlin", sc.Timezone)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "veil.toml", `
dataDir = "/srv/veil"

[resolver]
timeout = "750ms"

[ports]
base = 9400
size = 100

[log]
level = "debug"
format = "json"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/veil", c.DataDir)
	assert.Equal(t, 750*time.Millisecond, c.Resolver.Timeout)
	assert.Equal(t, execctx.StrategyBinding, c.Resolver.Strategy)
	assert.Equal(t, 9400, c.Ports.Base)
	assert.Equal(t, "json", c.Log.Format)
}

func TestEnvironmentWins(t *testing.T) {
	path := writeFile(t, "veil.yaml", "ports:\n  base: 10000\n  size: 50\n")
	t.Setenv("VEIL_PORTS_BASE", "11000")
	t.Setenv("VEIL_FINGERPRINT_SEED", "131")
	t.Setenv("VEIL_BROWSER_EXTRA_ARGS", "--mute-audio,--disable-gpu")
	t.Setenv("VEIL_LIVENESS_SCHEDULE", "@every 1m")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11000, c.Ports.Base)
	assert.Equal(t, 50, c.Ports.Size)
	assert.Equal(t, 131, c.Fingerprint.Seed)
	assert.Equal(t, []string{"--mute-audio", "--disable-gpu"}, c.Browser.ExtraArgs)
	assert.Equal(t, "@every 1m", c.Liveness.Schedule)
}

func TestExpandsEnvInFile(t *testing.T) {
	t.Setenv("VEIL_TEST_HOME", "/home/tester")
	path := writeFile(t, "veil.yml", "dataDir: ${VEIL_TEST_HOME}/veil\n")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/veil", c.DataDir)
	assert.Equal(t, "/home/tester/veil/profiles", c.ProfilesDir())
}

func TestValidate(t *testing.T) {
	for name, body := range map[string]string{
		"strategy": "resolver:\n  strategy: magic\n",
		"platform": "fingerprint:\n  platform: BeOS\n",
		"ports":    "ports:\n  base: 65500\n  size: 100\n",
		"log":      "log:\n  format: xml\n",
		"timezone": "session:\n  timezone: Mars/Olympus\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "veil.yaml", body))
			assert.Error(t, err)
		})
	}
}
