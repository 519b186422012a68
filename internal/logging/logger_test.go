package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level string) (*Logger, *bytes.Buffer) {
	l := New(&Config{Level: level, Component: "test", JSONFormat: true})
	buf := &bytes.Buffer{}
	l.output = buf
	return l, buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("Error"))
	assert.Equal(t, INFO, ParseLevel("nonsense"), "unknown levels fall back to INFO")
}

func TestLevelFiltering(t *testing.T) {
	l, buf := captureLogger("WARN")

	l.Info("quiet")
	assert.Zero(t, buf.Len(), "INFO must not pass a WARN threshold")

	l.Warn("loud")
	entry := decodeEntry(t, buf)
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "loud", entry.Message)
	assert.Equal(t, "test", entry.Component)
}

func TestKeyValueArgs(t *testing.T) {
	l, buf := captureLogger("INFO")

	l.Info("order placed", "symbol", "BTCUSDT", "qty", 1.5, "err", errors.New("boom"))
	entry := decodeEntry(t, buf)

	assert.Equal(t, "order placed", entry.Message)
	assert.Equal(t, "BTCUSDT", entry.Fields["symbol"])
	assert.InDelta(t, 1.5, entry.Fields["qty"].(float64), 1e-9)
	assert.Equal(t, "boom", entry.Fields["err"], "errors are flattened to strings")
}

func TestPrintfFallbackOnOddArgs(t *testing.T) {
	l, buf := captureLogger("INFO")

	l.Info("retry %d", 3)
	entry := decodeEntry(t, buf)
	assert.Equal(t, "retry 3", entry.Message)
}

func TestDerivedLoggersDoNotMutateParent(t *testing.T) {
	l, buf := captureLogger("INFO")

	child := l.WithComponent("child").WithField("k", "v").WithError(errors.New("bad"))
	child.Info("scoped")
	entry := decodeEntry(t, buf)
	assert.Equal(t, "child", entry.Component)
	assert.Equal(t, "v", entry.Fields["k"])
	assert.Equal(t, "bad", entry.Fields["error"])

	buf.Reset()
	l.Info("plain")
	entry = decodeEntry(t, buf)
	assert.Equal(t, "test", entry.Component)
	assert.Empty(t, entry.Fields)
}

func TestWithDurationPromotedToEntryField(t *testing.T) {
	l, buf := captureLogger("INFO")

	l.WithDuration(1500 * time.Millisecond).Info("plan completed")
	entry := decodeEntry(t, buf)
	assert.Equal(t, "1.5s", entry.Duration)
	assert.NotContains(t, entry.Fields, "duration")
}

func TestTraceIDStampsEveryLine(t *testing.T) {
	l, buf := captureLogger("INFO")
	id := GenerateTraceID()
	require.Len(t, id, 32)

	scoped := l.WithTraceID(id)
	scoped.Info("first")
	scoped.Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, id, entry.TraceID)
	}
}
