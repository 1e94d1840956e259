package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": DEBUG, "INFO": INFO, " warn ": WARN, "Error": ERROR} {
		got, ok := ParseLevel(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("verbose")
	assert.False(t, ok)
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWithCore("coord-1", INFO, core)

	l.Debug("SFU", "hidden", nil)
	l.Info("SFU", "Transport created", map[string]interface{}{"transportId": "t1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "Transport created", entries[0].Message)
	assert.Equal(t, "SFU", ctx["component"])
	assert.Equal(t, "coord-1", ctx["instance"])
	assert.Equal(t, "t1", ctx["transportId"])

	l.SetLevel(DEBUG)
	l.Debug("SFU", "visible", nil)
	assert.Equal(t, 2, logs.Len())
}

func TestLoggerErrorStats(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWithCore("", DEBUG, core)

	data := map[string]interface{}{"roomId": "cs101"}
	l.Error("BUS", "publish failed", errors.New("boom"), data)

	_, mutated := data["error"]
	assert.False(t, mutated, "caller map must not be modified")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "boom", logs.All()[0].ContextMap()["error"])

	stats := l.GetStats()
	assert.EqualValues(t, 1, stats["totalLogs"])
	assert.Equal(t, "boom", stats["lastError"])
	assert.EqualValues(t, 1, stats["componentStats"].(map[string]int64)["BUS"])
}
