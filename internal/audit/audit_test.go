package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func TestLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	ts := time.Date(2026, 2, 19, 10, 30, 0, 0, time.UTC)

	l, err := NewLogger(path)
	require.NoError(t, err)
	require.NoError(t, l.Log(Entry{Timestamp: ts, Action: ActionRuntimeLaunch, Runtime: "http://127.0.0.1:8181", PID: 4242}))
	require.NoError(t, l.Log(Entry{Action: ActionInstall, Name: "testA", Module: "[7]a:1.0", CorrelationID: "c-1"}))
	require.NoError(t, l.Close())

	// Reopening appends rather than truncating.
	l, err = NewLogger(path)
	require.NoError(t, err)
	require.NoError(t, l.Log(Entry{Action: ActionUninstall, Name: "testA", Error: "module not found"}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 3)
	assert.Equal(t, ts, entries[0].Timestamp)
	assert.Equal(t, 4242, entries[0].PID)
	assert.Equal(t, ActionInstall, entries[1].Action)
	assert.False(t, entries[1].Timestamp.IsZero())
	assert.Equal(t, "module not found", entries[2].Error)
}

func TestNilLoggerDiscards(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Log(Entry{Action: ActionInstall}))
	assert.NoError(t, l.Close())
}

func TestNewLoggerBadPath(t *testing.T) {
	_, err := NewLogger(filepath.Join(t.TempDir(), "missing", "audit.log"))
	assert.Error(t, err)
}

func TestReadFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(path)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, l.Log(Entry{Timestamp: base, Action: ActionRuntimeLaunch, PID: 11}))
	require.NoError(t, l.Log(Entry{Timestamp: base.Add(time.Minute), Action: ActionInstall, Name: "testA", CorrelationID: "c-1"}))
	require.NoError(t, l.Log(Entry{Timestamp: base.Add(2 * time.Minute), Action: ActionInstall, Name: "testB", Error: "bad manifest"}))
	require.NoError(t, l.Log(Entry{Timestamp: base.Add(3 * time.Minute), Action: ActionUninstall, Name: "testA"}))
	require.NoError(t, l.Close())

	// A torn final line is ignored.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-03-01T09:0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	all, err := Read(path, Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byName, err := Read(path, Filter{Name: "testA"}, 0)
	require.NoError(t, err)
	require.Len(t, byName, 2)
	assert.Equal(t, ActionUninstall, byName[1].Action)

	failed, err := Read(path, Filter{FailedOnly: true}, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "testB", failed[0].Name)

	recent, err := Read(path, Filter{Since: base.Add(90 * time.Second)}, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	tail, err := Read(path, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "testB", tail[0].Name)

	byCorrelation, err := Read(path, Filter{CorrelationID: "c-1"}, 0)
	require.NoError(t, err)
	assert.Len(t, byCorrelation, 1)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "none.log"), Filter{}, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
