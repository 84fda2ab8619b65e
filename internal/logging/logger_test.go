package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer, level LogLevel) *BridgeLogger {
	return NewLogger(&LoggerConfig{
		Level:  level,
		Format: "json",
		Output: buf,
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelWarn)
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, nil, "warn message")
	logger.Error(ctx, errors.New("boom"), "error message")

	records := decodeLines(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "warn message", records[0]["msg"])
	assert.Equal(t, "error message", records[1]["msg"])
	assert.Equal(t, "boom", records[1]["error"])
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := newJSONLogger(&buf, LevelInfo)
	child := root.WithComponent("controller")

	child.Debug(context.Background(), "hidden")
	root.SetLevel(LevelDebug)
	child.Debug(context.Background(), "visible")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "visible", records[0]["msg"])
	assert.Equal(t, "controller", records[0]["component"])
	assert.Equal(t, LevelDebug, root.Level())
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelInfo).
		WithComponent("network").
		With("session", "abc")

	logger.Info(context.Background(), "session opened", "remote", "127.0.0.1:5000", "dangling")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "network", records[0]["component"])
	assert.Equal(t, "abc", records[0]["session"])
	assert.Equal(t, "127.0.0.1:5000", records[0]["remote"])
	assert.NotContains(t, records[0], "dangling")
}

func TestFatalDoesNotExit(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelInfo)

	logger.Fatal(context.Background(), errors.New("unreachable"), "controller connect failed")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "ERROR", records[0]["level"])
	assert.Equal(t, true, records[0]["fatal"])
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.NotPanics(t, func() {
		logger.Error(context.Background(), errors.New("x"), "dropped")
	})
}
