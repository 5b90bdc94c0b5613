package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriter(&buf, Config{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "profile", "p1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "p1", rec["profile"])
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriter(&buf, Config{Level: "debug", NoColor: true})
	require.NoError(t, err)
	logger.Debug("target ready", "type", "page")
	assert.Contains(t, buf.String(), "target ready")
	assert.Contains(t, buf.String(), "type=page")
}

func TestValidateFormat(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, Config{Format: "xml"})
	assert.Error(t, err)
}
