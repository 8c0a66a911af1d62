package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, INFO)

	log.Debug("hidden %d", 1)
	log.Info("motor %s at %d rpm", "R", 120)
	log.Critical("bus down")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "motor R at 120 rpm", lines[0]["message"])
	assert.Equal(t, "fatal", lines[1]["level"], "critical maps to fatal without exiting")
	assert.Equal(t, "bus down", lines[1]["message"])
}

func TestLoggerMessageWithoutArgsIsVerbatim(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, TRACE)
	msg := "100% duty"
	log.Warn(msg)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "100% duty", lines[0]["message"])
}

func TestLoggerSetMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, ERROR)
	log.Warn("dropped")
	log.SetMinLevel(DEBUG)
	log.Debug("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balancer.log")
	log, err := NewFileLogger(path, DEBUG, false)
	require.NoError(t, err)
	log.Debug("hello %s", "file")
	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "second close is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello file"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, CRITICAL, ParseLevel("critical"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "ERROR", ERROR.String())
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	log.Error("nothing %d", 1)
	assert.NoError(t, log.Close())
}
