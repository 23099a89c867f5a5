package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/eventstream-ingest/internal/ingestcfg"
)

func readLines(t *testing.T, path string) []event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	return out
}

func TestInit_WritesToFileAndFiltersLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.log")
	stop := Init(ingestcfg.LoggingConfig{Level: "info", Output: path})
	Debug("hidden")
	Info("shown", F("k", "v"))
	Error("failed", Err(errors.New("boom")))
	stop()

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0].Msg)
	assert.Equal(t, "v", lines[0].Fields["k"])
	assert.Equal(t, "error", lines[1].Level)
	assert.Equal(t, "boom", lines[1].Fields["err"])
}

func TestLogAfterStopIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.log")
	stop := Init(ingestcfg.LoggingConfig{Output: path})
	stop()
	Info("late")
	assert.Empty(t, readLines(t, path))
}

func TestEventLogger_IngestLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.log")
	stop := Init(ingestcfg.LoggingConfig{Level: "debug", Output: path})
	ev := NewEventLogger()
	ev.Ingest("dropped", "InvalidSignature", "evt-1", "push-svc", "s1")
	ev.Ingest("dropped", "UnknownStream", "evt-2", "push-svc", "")
	ev.Ingest("persisted", "", "evt-3", "push-svc", "s1")
	stop()

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "warn", lines[0].Level)
	assert.Equal(t, "InvalidSignature", lines[0].Fields["reason"])
	assert.Equal(t, "info", lines[1].Level)
	assert.NotContains(t, lines[1].Fields, "stream")
	assert.Equal(t, "debug", lines[2].Level)
	assert.Equal(t, "persisted", lines[2].Fields["outcome"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, WarnLevel, parseLevel("warn"))
	assert.Equal(t, ErrorLevel, parseLevel("error"))
	assert.Equal(t, InfoLevel, parseLevel("verbose"))
}
