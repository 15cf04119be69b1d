package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestSetOutputCapturesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelDebug)

	ForService("listener").Info("listening", "channels", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "listening", record["msg"])
	assert.Equal(t, "listener", record["service"])
	assert.Equal(t, float64(2), record["channels"])
}

func TestCustomLevelNames(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, LevelTrace)

	Structured().Log(context.Background(), LevelTrace, "deep detail")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "TRACE", record["level"])
}

func TestForServiceWithoutInit(t *testing.T) {
	structuredLogger = nil
	assert.NotNil(t, ForService("pipeline"), "must fall back to the slog default")
}

func TestNewFileLogger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "pipeline.log")
	logger, closer, err := NewFileLogger(path, "pipeline", slog.LevelInfo)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("rotated file logger ready")
	assert.NoError(t, closer())
}
