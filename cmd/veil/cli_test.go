package cli

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/fingerprint"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("VEIL_DATA_DIR", t.TempDir())
	t.Setenv("VEIL_LOG_LEVEL", "error")

	cmd := SetupRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPortCommand(t *testing.T) {
	out, err := execute(t, "port", "work")
	require.NoError(t, err)
	port, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, browser.PortFor("work"), port)

	_, err = execute(t, "port", "../etc")
	assert.Error(t, err)
}

func TestPortCommandHonoursRange(t *testing.T) {
	t.Setenv("VEIL_PORTS_BASE", "20000")
	t.Setenv("VEIL_PORTS_SIZE", "10")
	out, err := execute(t, "port", "work")
	require.NoError(t, err)
	port, _ := strconv.Atoi(strings.TrimSpace(out))
	assert.Equal(t, browser.PortRange{Base: 20000, Size: 10}.PortFor("work"), port)
}

func TestIdentityCommand(t *testing.T) {
	out, err := execute(t, "identity", "--seed", "124", "--json")
	require.NoError(t, err)

	var id fingerprint.Identity
	require.NoError(t, json.Unmarshal([]byte(out), &id))
	assert.Equal(t, 124, id.Seed)
	assert.Equal(t, fingerprint.New(124, fingerprint.DefaultConfig()).UserAgent, id.UserAgent)

	out, err = execute(t, "identity", "--seed", "124")
	require.NoError(t, err)
	assert.Contains(t, out, `"Google Chrome";v="124"`)

	_, err = execute(t, "identity")
	assert.Error(t, err)
}

func TestProfilesCommands(t *testing.T) {
	out, err := execute(t, "profiles", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No profiles.")

	_, err = execute(t, "profiles", "delete", "ghost")
	assert.Error(t, err)
}
