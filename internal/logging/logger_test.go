package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "test-component")

	log.Info("join accepted", "roomId", "room-1", "connId", "c1")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "join accepted", decoded["message"])
	assert.Equal(t, "test-component", decoded["component"])
	assert.Equal(t, "room-1", decoded["roomId"])
	assert.Equal(t, "c1", decoded["connId"])
}

func TestLoggerErrorIncludesErrField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "test-component")

	log.Error("heartbeat failed", errors.New("connection reset"), "connId", "c1")

	out := buf.String()
	assert.True(t, strings.Contains(out, "connection reset"))
}

func TestLoggerDropsOddTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "test-component")

	log.Info("odd args", "onlyKey")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	_, hasOrphan := decoded["onlyKey"]
	assert.False(t, hasOrphan)
}

func TestNoopLoggerDiscardsOutput(t *testing.T) {
	log := Noop()
	log.Info("should not panic")
	log.Error("should not panic", errors.New("boom"))
}
