// Package module defines the vocabulary shared by everything that talks to a
// module runtime: module states, handles, capabilities, runtime events and the
// in-process Framework contract.
package module

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// State is the lifecycle state of an installed module as reported by the runtime.
type State string

const (
	StateInstalled   State = "INSTALLED"
	StateResolved    State = "RESOLVED"
	StateStarting    State = "STARTING"
	StateActive      State = "ACTIVE"
	StateStopping    State = "STOPPING"
	StateUninstalled State = "UNINSTALLED"
)

// ParseState converts a runtime-reported state name into a State.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateInstalled, StateResolved, StateStarting, StateActive, StateStopping, StateUninstalled:
		return st, nil
	}
	return "", fmt.Errorf("unknown module state %q", s)
}

// Handle identifies one installed module instance. It is stable for the
// lifetime of that instance and is never reused for a different one.
type Handle struct {
	id       int64
	name     string
	version  string
	location string
}

// NewHandle builds a handle for the module with the given runtime id.
func NewHandle(id int64, symbolicName, version, location string) Handle {
	return Handle{id: id, name: symbolicName, version: version, location: location}
}

// HandleOf returns the handle describing info.
func HandleOf(info Info) Handle {
	return NewHandle(info.ID, info.SymbolicName, info.Version, info.Location)
}

func (h Handle) ID() int64            { return h.id }
func (h Handle) SymbolicName() string { return h.name }
func (h Handle) Version() string      { return h.version }
func (h Handle) Location() string     { return h.location }

// IsZero reports whether h was never assigned by a runtime.
func (h Handle) IsZero() bool { return h.id == 0 && h.name == "" && h.location == "" }

func (h Handle) String() string {
	if h.version == "" {
		return fmt.Sprintf("[%d]%s", h.id, h.name)
	}
	return fmt.Sprintf("[%d]%s:%s", h.id, h.name, h.version)
}

// Info is a snapshot of an installed module.
type Info struct {
	ID           int64  `json:"id"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version,omitempty"`
	Location     string `json:"location"`
	State        State  `json:"state"`
	Fragment     bool   `json:"fragment,omitempty"`
	// StartLevel is the level the runtime must reach before the module can
	// become ACTIVE. Zero means the runtime's initial module start level.
	StartLevel int `json:"start_level,omitempty"`
}

// Capability is a named service registered in the runtime's registry.
type Capability struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	ModuleID   int64             `json:"module_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// EventType classifies runtime notifications.
type EventType string

const (
	EventModule     EventType = "module"
	EventStartLevel EventType = "start_level"
	EventCapability EventType = "capability"
)

// Event is a runtime notification delivered to subscribers. Only the field
// matching Type is populated.
type Event struct {
	Type       EventType  `json:"type"`
	Module     Info       `json:"module,omitzero"`
	StartLevel int        `json:"start_level,omitempty"`
	Capability Capability `json:"capability,omitzero"`
}

func (e Event) String() string {
	switch e.Type {
	case EventModule:
		return fmt.Sprintf("module %s %s", HandleOf(e.Module), e.Module.State)
	case EventStartLevel:
		return fmt.Sprintf("start level %d", e.StartLevel)
	case EventCapability:
		return fmt.Sprintf("capability %s registered by module %d", e.Capability.Name, e.Capability.ModuleID)
	}
	return string(e.Type)
}

// Framework is an in-process module runtime. Implementations must be safe for
// concurrent use. Operations on unknown module ids return ErrNotFound.
type Framework interface {
	Install(location string, artifact io.Reader) (Info, error)
	Uninstall(id int64) error
	Start(id int64) error
	Stop(id int64) error
	Module(id int64) (Info, error)
	Modules() []Info
	StartLevel() int
	SetStartLevel(level int) error
	// SetModuleStartLevel assigns the start level of one module. A started
	// module whose level is above the runtime's stays RESOLVED until the
	// runtime gets there.
	SetModuleStartLevel(id int64, level int) error
	Capabilities(name string) []Capability
	Refresh() error

	// Subscribe registers fn for runtime events. fn is invoked on the
	// runtime's own goroutines and must not block.
	Subscribe(fn func(Event)) (cancel func())
}

// Shutdowner is implemented by frameworks that own resources released when the
// runtime is torn down.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}
