package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("job_id", "j1").Msg("job dispatched")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "job dispatched", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "console", zerolog.DebugLevel)
	logger.Warn().Str("worker_id", "w1").Msg("worker marked STALE")

	assert.Contains(t, buf.String(), "worker marked STALE")
	assert.Contains(t, buf.String(), "worker_id=")
}

func TestSetup(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	require.NoError(t, Setup(config.LoggingConfig{Level: "WARN", Format: "json", Output: "stderr"}))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	assert.Error(t, Setup(config.LoggingConfig{Level: "loud"}))
	assert.Error(t, Setup(config.LoggingConfig{Level: "info", Output: "/dev/null"}))
}
