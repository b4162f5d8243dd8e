// Package audit records what the harness did to a runtime.
//
// Launches, teardowns, installs, uninstalls and starts are appended to a log
// file as newline-delimited JSON so a failed suite can be reconstructed after
// the fact.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionRuntimeLaunch  Action = "runtime_launch"
	ActionRuntimeAttach  Action = "runtime_attach"
	ActionRuntimeDestroy Action = "runtime_destroy"
	ActionOrphanReap     Action = "orphan_reap"
	ActionInstall        Action = "module_install"
	ActionStart          Action = "module_start"
	ActionUninstall      Action = "module_uninstall"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp     time.Time `json:"ts"`
	Action        Action    `json:"action"`
	Name          string    `json:"name,omitempty"`      // logical deployment name
	Module        string    `json:"module,omitempty"`    // handle, e.g. "[12]org.example:1.0"
	Runtime       string    `json:"runtime,omitempty"`   // management address or "embedded"
	PID           int       `json:"pid,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file. A nil *Logger discards
// everything.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Filter selects entries when reading a log back. Zero fields match anything.
type Filter struct {
	Name          string
	CorrelationID string
	FailedOnly    bool
	Since         time.Time
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.Name != "" && e.Name != f.Name:
		return false
	case f.CorrelationID != "" && e.CorrelationID != f.CorrelationID:
		return false
	case f.FailedOnly && e.Error == "":
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Read returns the entries in the log at path that match f, oldest first.
// When last is positive only the newest last matches are kept. Lines that do
// not decode are skipped; a run killed mid-write can leave one behind.
func Read(path string, f Filter, last int) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if !f.match(e) {
			continue
		}
		entries = append(entries, e)
		if last > 0 && len(entries) > last {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, nil
}
