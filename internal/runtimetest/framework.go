// Package runtimetest provides an in-memory module runtime for exercising the
// harness without a real runtime installation.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/modharness/internal/module"
)

// HeaderProvideMarker lists capabilities a module registers once it is ACTIVE.
const HeaderProvideMarker = "Provide-Marker"

// ErrShutdown is returned by every operation after Shutdown.
var ErrShutdown = errors.New("runtime shut down")

// Option configures a Framework.
type Option func(*Framework)

// WithActivationDelay makes started modules linger in STARTING for d before
// becoming ACTIVE on a background goroutine.
func WithActivationDelay(d time.Duration) Option {
	return func(f *Framework) { f.activationDelay = d }
}

// WithStuck keeps the named modules in STARTING forever.
func WithStuck(symbolicNames ...string) Option {
	return func(f *Framework) {
		for _, n := range symbolicNames {
			f.stuck[n] = true
		}
	}
}

// WithStartLevel sets the initial framework start level.
func WithStartLevel(level int) Option {
	return func(f *Framework) { f.startLevel = level }
}

// DefaultModuleStartLevel is the start level newly installed modules get.
const DefaultModuleStartLevel = 1

type entry struct {
	info     module.Info
	manifest *module.Manifest
	// started records a start request held back by the module's start level.
	started bool
}

// Framework is a thread-safe fake implementing module.Framework.
type Framework struct {
	mu         sync.Mutex
	nextID     int64
	nextCapID  int64
	modules    map[int64]*entry
	caps       []module.Capability
	startLevel int
	subs       map[int]func(module.Event)
	nextSub    int
	calls      map[string]int
	shutdown   bool

	activationDelay time.Duration
	stuck           map[string]bool
}

var _ module.Framework = (*Framework)(nil)

// New creates an empty runtime at start level 1.
func New(opts ...Option) *Framework {
	f := &Framework{
		modules:    make(map[int64]*entry),
		startLevel: 1,
		subs:       make(map[int]func(module.Event)),
		calls:      make(map[string]int),
		stuck:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Calls returns how many times op was invoked.
func (f *Framework) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Framework) begin(op string) error {
	f.calls[op]++
	if f.shutdown {
		return ErrShutdown
	}
	return nil
}

func (f *Framework) Install(location string, artifact io.Reader) (module.Info, error) {
	data, err := io.ReadAll(artifact)
	if err != nil {
		return module.Info{}, fmt.Errorf("reading artifact: %w", err)
	}
	m, merr := module.ReadManifest(data)

	f.mu.Lock()
	if err := f.begin("install"); err != nil {
		f.mu.Unlock()
		return module.Info{}, err
	}
	if merr != nil {
		f.mu.Unlock()
		return module.Info{}, merr
	}
	for _, e := range f.modules {
		if e.info.Location == location {
			info := e.info
			f.mu.Unlock()
			return info, nil
		}
	}
	f.nextID++
	e := &entry{
		info: module.Info{
			ID:           f.nextID,
			SymbolicName: m.SymbolicName(),
			Version:      m.Version(),
			Location:     location,
			State:        module.StateInstalled,
			Fragment:     m.IsFragment(),
			StartLevel:   DefaultModuleStartLevel,
		},
		manifest: m,
	}
	f.modules[e.info.ID] = e
	installed := e.info
	e.info.State = module.StateResolved
	resolved := e.info
	subs := f.subscribers()
	f.mu.Unlock()

	emit(subs, module.Event{Type: module.EventModule, Module: installed})
	emit(subs, module.Event{Type: module.EventModule, Module: resolved})
	return resolved, nil
}

func (f *Framework) Start(id int64) error {
	f.mu.Lock()
	if err := f.begin("start"); err != nil {
		f.mu.Unlock()
		return err
	}
	e, ok := f.modules[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", module.ErrNotFound, id)
	}
	if e.info.Fragment {
		f.mu.Unlock()
		return fmt.Errorf("module %d is a fragment and cannot be started", id)
	}
	if e.info.State == module.StateActive || e.info.State == module.StateStarting {
		f.mu.Unlock()
		return nil
	}
	if e.info.StartLevel > f.startLevel {
		e.started = true
		f.mu.Unlock()
		return nil
	}
	ev, run := f.startLocked(e)
	subs := f.subscribers()
	f.mu.Unlock()

	emit(subs, ev)
	run()
	return nil
}

// startLocked moves e to STARTING. The returned func schedules activation and
// must be called after f.mu is released.
func (f *Framework) startLocked(e *entry) (module.Event, func()) {
	e.started = false
	e.info.State = module.StateStarting
	ev := module.Event{Type: module.EventModule, Module: e.info}
	id := e.info.ID
	switch delay := f.activationDelay; {
	case f.stuck[e.info.SymbolicName]:
		return ev, func() {}
	case delay > 0:
		return ev, func() { time.AfterFunc(delay, func() { f.activate(id) }) }
	}
	return ev, func() { f.activate(id) }
}

func (f *Framework) stopLocked(e *entry) module.Event {
	e.info.State = module.StateResolved
	f.dropCapsLocked(e.info.ID)
	return module.Event{Type: module.EventModule, Module: e.info}
}

func (f *Framework) activate(id int64) {
	f.mu.Lock()
	e, ok := f.modules[id]
	if !ok || e.info.State != module.StateStarting {
		f.mu.Unlock()
		return
	}
	e.info.State = module.StateActive
	events := []module.Event{{Type: module.EventModule, Module: e.info}}
	for _, name := range strings.Split(e.manifest.Headers[HeaderProvideMarker], ",") {
		if name = strings.TrimSpace(name); name != "" {
			events = append(events, module.Event{Type: module.EventCapability, Capability: f.registerLocked(name, id)})
		}
	}
	subs := f.subscribers()
	f.mu.Unlock()

	for _, ev := range events {
		emit(subs, ev)
	}
}

func (f *Framework) Stop(id int64) error {
	f.mu.Lock()
	if err := f.begin("stop"); err != nil {
		f.mu.Unlock()
		return err
	}
	e, ok := f.modules[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", module.ErrNotFound, id)
	}
	e.started = false
	ev := f.stopLocked(e)
	subs := f.subscribers()
	f.mu.Unlock()

	emit(subs, ev)
	return nil
}

func (f *Framework) Uninstall(id int64) error {
	f.mu.Lock()
	if err := f.begin("uninstall"); err != nil {
		f.mu.Unlock()
		return err
	}
	e, ok := f.modules[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", module.ErrNotFound, id)
	}
	delete(f.modules, id)
	f.dropCapsLocked(id)
	e.info.State = module.StateUninstalled
	info := e.info
	subs := f.subscribers()
	f.mu.Unlock()

	emit(subs, module.Event{Type: module.EventModule, Module: info})
	return nil
}

// ForceRemove drops a module without notifying anyone, as if another party
// uninstalled it behind the harness's back.
func (f *Framework) ForceRemove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modules, id)
	f.dropCapsLocked(id)
}

func (f *Framework) Module(id int64) (module.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["module"]++
	e, ok := f.modules[id]
	if !ok {
		return module.Info{}, fmt.Errorf("%w: %d", module.ErrNotFound, id)
	}
	return e.info, nil
}

func (f *Framework) Modules() []module.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]module.Info, 0, len(f.modules))
	for _, e := range f.modules {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns the first module with the given symbolic name.
func (f *Framework) Find(symbolicName string) (module.Info, bool) {
	for _, info := range f.Modules() {
		if info.SymbolicName == symbolicName {
			return info, true
		}
	}
	return module.Info{}, false
}

func (f *Framework) StartLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startLevel
}

func (f *Framework) SetStartLevel(level int) error {
	if level < 0 {
		return fmt.Errorf("invalid start level %d", level)
	}
	f.mu.Lock()
	if err := f.begin("set_start_level"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.startLevel = level
	events, runs := f.applyStartLevelLocked()
	subs := f.subscribers()
	f.mu.Unlock()

	for _, ev := range events {
		emit(subs, ev)
	}
	for _, run := range runs {
		run()
	}
	emit(subs, module.Event{Type: module.EventStartLevel, StartLevel: level})
	return nil
}

func (f *Framework) SetModuleStartLevel(id int64, level int) error {
	if level <= 0 {
		return fmt.Errorf("invalid module start level %d", level)
	}
	f.mu.Lock()
	if err := f.begin("set_module_start_level"); err != nil {
		f.mu.Unlock()
		return err
	}
	e, ok := f.modules[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d", module.ErrNotFound, id)
	}
	e.info.StartLevel = level
	events, runs := f.applyStartLevelLocked()
	subs := f.subscribers()
	f.mu.Unlock()

	for _, ev := range events {
		emit(subs, ev)
	}
	for _, run := range runs {
		run()
	}
	return nil
}

// applyStartLevelLocked starts held-back modules whose level has been reached
// and stops running modules whose level is now above the runtime's.
func (f *Framework) applyStartLevelLocked() ([]module.Event, []func()) {
	var (
		events []module.Event
		runs   []func()
	)
	for _, id := range slices.Sorted(maps.Keys(f.modules)) {
		e := f.modules[id]
		running := e.info.State == module.StateActive || e.info.State == module.StateStarting
		switch {
		case e.started && e.info.StartLevel <= f.startLevel:
			ev, run := f.startLocked(e)
			events = append(events, ev)
			runs = append(runs, run)
		case running && e.info.StartLevel > f.startLevel:
			events = append(events, f.stopLocked(e))
			e.started = true
		}
	}
	return events, runs
}

func (f *Framework) Capabilities(name string) []module.Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []module.Capability
	for _, c := range f.caps {
		if name == "" || c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// RegisterCapability publishes a capability on behalf of moduleID.
func (f *Framework) RegisterCapability(name string, moduleID int64) module.Capability {
	f.mu.Lock()
	c := f.registerLocked(name, moduleID)
	subs := f.subscribers()
	f.mu.Unlock()

	emit(subs, module.Event{Type: module.EventCapability, Capability: c})
	return c
}

func (f *Framework) registerLocked(name string, moduleID int64) module.Capability {
	f.nextCapID++
	c := module.Capability{ID: f.nextCapID, Name: name, ModuleID: moduleID}
	f.caps = append(f.caps, c)
	return c
}

func (f *Framework) dropCapsLocked(moduleID int64) {
	kept := f.caps[:0]
	for _, c := range f.caps {
		if c.ModuleID != moduleID {
			kept = append(kept, c)
		}
	}
	f.caps = kept
}

func (f *Framework) Refresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin("refresh")
}

func (f *Framework) Subscribe(fn func(module.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Shutdown uninstalls everything and rejects further operations.
func (f *Framework) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["shutdown"]++
	f.modules = make(map[int64]*entry)
	f.caps = nil
	f.shutdown = true
	return nil
}

func (f *Framework) subscribers() []func(module.Event) {
	out := make([]func(module.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		out = append(out, fn)
	}
	return out
}

func emit(subs []func(module.Event), ev module.Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
