package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Info("dropped %d", 1)
	l.Warn("kept %s", "warning")
	l.Error("kept error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept warning", entry["message"])
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	child := l.With("conn", "c-1")
	child.Debug("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	child.Debug("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "c-1", entry["conn"])

	assert.Error(t, l.SetLevel("loud"))
}

func TestNewRejectsUnknownOptions(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)

	_, err = New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Error("nothing %v", 42)
		l.With("k", "v").Warn("still nothing")
	})
}
