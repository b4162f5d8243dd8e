package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benaskins/modharness/internal/driver"
	"github.com/benaskins/modharness/internal/module"
)

// journal persists what a manager owns so a later run can clean up after a
// crashed one. A nil *journal records nothing.
type journal struct {
	path string
	mu   sync.Mutex
}

// journalState is the content of state.json.
type journalState struct {
	Runtime *RuntimeRecord          `json:"runtime,omitempty"`
	Modules map[string]ModuleRecord `json:"modules,omitempty"`
	// Bootstrap is set only while the manager owns the bootstrap module.
	Bootstrap *ModuleRecord `json:"bootstrap,omitempty"`
}

// RuntimeRecord describes a runtime process the harness launched.
type RuntimeRecord struct {
	Mode      string          `json:"mode"`
	Address   string          `json:"address,omitempty"`
	Process   driver.Identity `json:"process,omitzero"`
	StartedAt int64           `json:"started_at,omitempty"` // Unix timestamp
}

// ModuleRecord is a tracked module.
type ModuleRecord struct {
	ID           int64  `json:"id"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version,omitempty"`
	Location     string `json:"location"`
}

func (r ModuleRecord) handle() module.Handle {
	return module.NewHandle(r.ID, r.SymbolicName, r.Version, r.Location)
}

func recordOf(h module.Handle) ModuleRecord {
	return ModuleRecord{ID: h.ID(), SymbolicName: h.SymbolicName(), Version: h.Version(), Location: h.Location()}
}

func newJournal(dir string) *journal {
	if dir == "" {
		return nil
	}
	return &journal{path: filepath.Join(dir, "state.json")}
}

func (j *journal) load() (journalState, error) {
	if j == nil {
		return journalState{}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadUnsafe()
}

// loadUnsafe reads without locking; caller must hold j.mu.
func (j *journal) loadUnsafe() (journalState, error) {
	var st journalState
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parsing state file: %w", err)
	}
	return st, nil
}

func (j *journal) saveUnsafe(st journalState) error {
	if st.Runtime == nil && len(st.Modules) == 0 && st.Bootstrap == nil {
		if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, j.path)
}

func (j *journal) update(fn func(*journalState)) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	st, err := j.loadUnsafe()
	if err != nil {
		// A corrupt journal is replaced rather than blocking the run.
		st = journalState{}
	}
	fn(&st)
	return j.saveUnsafe(st)
}

func (j *journal) setRuntime(rec RuntimeRecord) error {
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().Unix()
	}
	return j.update(func(st *journalState) { st.Runtime = &rec })
}

func (j *journal) addModule(name string, h module.Handle) error {
	return j.update(func(st *journalState) {
		if st.Modules == nil {
			st.Modules = make(map[string]ModuleRecord)
		}
		st.Modules[name] = recordOf(h)
	})
}

func (j *journal) removeModule(name string) error {
	return j.update(func(st *journalState) { delete(st.Modules, name) })
}

func (j *journal) setBootstrap(h module.Handle) error {
	rec := recordOf(h)
	return j.update(func(st *journalState) { st.Bootstrap = &rec })
}

func (j *journal) clearRuntime() error {
	return j.update(func(st *journalState) { st.Runtime = nil })
}

func (j *journal) clear() error {
	return j.update(func(st *journalState) { *st = journalState{} })
}
