package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("relay started", "port", "8765")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay started", line["msg"])
	assert.Equal(t, "8765", line["port"])
}

func TestNew_AddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json").With("component", "test")
	ctx := WithCorrelationID(context.Background(), "abc123")
	logger.InfoContext(ctx, "handled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc123", line["correlation_id"])
	assert.Equal(t, "test", line["component"])

	_, ok := CorrelationID(context.Background())
	assert.False(t, ok)
}
