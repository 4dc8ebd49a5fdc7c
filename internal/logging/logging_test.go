package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	prevDefault := slog.Default()
	prevWriter := log.Writer()
	t.Cleanup(func() {
		slog.SetDefault(prevDefault)
		log.SetOutput(prevWriter)
	})

	var buf bytes.Buffer
	logger := setup(&buf, "giftcard", "test", "debug")
	logger.Debug("reserved", "reward_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "giftcard", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "DEBUG", line["severity"])
	assert.Equal(t, "reserved", line["message"])
	assert.EqualValues(t, 7, line["reward_id"])
	assert.Contains(t, line, "timestamp")
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	prevDefault := slog.Default()
	prevWriter := log.Writer()
	t.Cleanup(func() {
		slog.SetDefault(prevDefault)
		log.SetOutput(prevWriter)
	})

	var buf bytes.Buffer
	logger := setup(&buf, "giftcard", "", "warn")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a****@example.org", MaskEmail("alice@example.org"))
	assert.Equal(t, "", MaskEmail(""))
	assert.Equal(t, "[REDACTED]", MaskEmail("not-an-address"))
	assert.Equal(t, "[REDACTED]", MaskEmail("@example.org"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
