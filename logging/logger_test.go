package logging

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/aklyachkin/syncwire/errors"
)

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Format: "json", Environment: "prod", Writer: &buf})

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "should appear")
}

func TestLogError_RendersSyncErrorStructurally(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Environment: "prod", Writer: &buf})

	err := syncErrors.NewStorageError("store.Append", stderrors.New("disk full"))
	logger.LogError(context.Background(), err, "append failed")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	syncErr, ok := record["sync_error"].(map[string]interface{})
	require.True(t, ok, "sync_error group missing: %s", buf.String())
	assert.Equal(t, "store.Append", syncErr["operation"])
	assert.Equal(t, "storage", syncErr["kind"])
	assert.Equal(t, true, syncErr["retryable"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Environment: "prod", Writer: &buf})

	logger.WithComponent("server/session").Info("attached")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "server/session", record["component"])
}

func TestLogOperation_PropagatesError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "json", Environment: "prod", Writer: &buf})

	wantErr := stderrors.New("nope")
	err := logger.LogOperation(context.Background(), "push", "coordinator", func() error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Contains(t, buf.String(), "operation failed")
}
