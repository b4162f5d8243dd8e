package lifecycle

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/driver"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/install"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/wait"
)

// supervised runs fn so that an owned runtime process dying midway ends it
// with a launch error instead of a timeout.
func (m *Manager) supervised(ctx context.Context, rt *runtime, fn func(ctx context.Context) error) error {
	if rt.drv == nil || !rt.owned {
		return fn(ctx)
	}
	return driver.AwaitReady(ctx, rt.drv, fn)
}

func waitReadyFile(ctx context.Context, cfg *config.Config) error {
	return wait.File(ctx, wait.Options{
		Phase:   module.PhaseReadyFile,
		Timeout: cfg.Timeouts.Connect.Duration,
	}, cfg.ReadyFile)
}

// startBootstrap makes sure the bootstrap module is ACTIVE. A module with the
// same symbolic name that is already installed is reused and left in place on
// stop; otherwise the configured artifact is installed and owned.
func (m *Manager) startBootstrap(ctx context.Context, conn endpoint.Conn) error {
	if !m.cfg.Bootstrap.Enabled() {
		return nil
	}

	artifact := m.bootstrapArt
	if artifact == nil && m.cfg.Bootstrap.Path != "" {
		data, err := os.ReadFile(m.cfg.Bootstrap.Path)
		if err != nil {
			return fmt.Errorf("reading bootstrap module: %w", err)
		}
		artifact = data
	}

	name := m.cfg.Bootstrap.SymbolicName
	fragment := false
	if artifact != nil {
		mf, err := module.ReadManifest(artifact)
		if err != nil {
			return &module.InstallError{Name: bootstrapName, Err: err}
		}
		if name == "" {
			name = mf.SymbolicName()
		}
		fragment = mf.IsFragment()
	}

	existing, err := conn.Modules(ctx, name)
	if err != nil {
		return fmt.Errorf("looking up bootstrap module %s: %w", name, err)
	}
	if len(existing) > 0 {
		info := existing[0]
		h := module.HandleOf(info)
		m.logger.Info("reusing installed bootstrap module", "module", h.String(), "state", info.State)
		m.mu.Lock()
		m.bootstrap, m.ownsBootstrap = h, false
		m.mu.Unlock()
		if info.Fragment || info.State == module.StateActive {
			return nil
		}
		return m.installer.StartModule(ctx, conn, h, m.cfg.Timeouts.Bootstrap.Duration, module.PhaseBootstrap)
	}
	if artifact == nil {
		return &module.InstallError{
			Name: bootstrapName,
			Err:  fmt.Errorf("%w: %s is not installed and no bootstrap.path is configured", module.ErrNotFound, name),
		}
	}

	h, err := m.installer.Install(ctx, conn, install.Request{
		Name:     bootstrapName,
		Artifact: artifact,
		Start:    !fragment,
		Timeout:  m.cfg.Timeouts.Bootstrap.Duration,
		Phase:    module.PhaseBootstrap,
	})
	m.audit.Log(auditEntry(ctx, audit.ActionInstall, bootstrapName, h, err))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.bootstrap, m.ownsBootstrap = h, true
	m.mu.Unlock()
	if err := m.journal.setBootstrap(h); err != nil {
		m.logger.Warn("failed to record bootstrap module", "module", h.String(), "error", err)
	}
	return nil
}

// awaitStartLevel raises the runtime to the configured start level and waits
// until it gets there.
func (m *Manager) awaitStartLevel(ctx context.Context, conn endpoint.Conn) error {
	target := m.cfg.StartLevel
	if target <= 0 {
		return nil
	}
	level, err := conn.StartLevel(ctx)
	if err != nil {
		return fmt.Errorf("reading start level: %w", err)
	}
	if level < target {
		if err := conn.SetStartLevel(ctx, target); err != nil {
			return fmt.Errorf("setting start level %d: %w", target, err)
		}
	}

	opts := wait.Options{
		Phase:    module.PhaseStartLevel,
		Awaiting: "start level " + strconv.Itoa(target),
		Timeout:  m.cfg.Timeouts.StartLevel.Duration,
		Interval: m.cfg.PollInterval.Duration,
	}
	reached := func(ctx context.Context) (bool, string, error) {
		level, err := conn.StartLevel(ctx)
		if err != nil {
			return false, "", err
		}
		return level >= target, "start level " + strconv.Itoa(level), nil
	}
	if sub, ok := conn.(endpoint.Subscriber); ok {
		return wait.Event(ctx, opts, sub.Subscribe, wait.Matching(func(ev module.Event) bool {
			return ev.Type == module.EventStartLevel && ev.StartLevel >= target
		}), reached)
	}
	return wait.Poll(ctx, opts, reached)
}

// awaitMarkers waits, one after another, for each marker capability to be
// published.
func (m *Manager) awaitMarkers(ctx context.Context, conn endpoint.Conn) error {
	for _, name := range m.cfg.MarkerCapabilities {
		opts := wait.Options{
			Phase:    module.PhaseMarker,
			Awaiting: "capability " + name,
			Timeout:  m.cfg.Timeouts.Marker.Duration,
			Interval: m.cfg.PollInterval.Duration,
		}
		present := func(ctx context.Context) (bool, string, error) {
			caps, err := conn.FindCapability(ctx, name)
			if err != nil {
				return false, "", err
			}
			if len(caps) == 0 {
				return false, "not registered", nil
			}
			return true, "registered", nil
		}

		var err error
		if sub, ok := conn.(endpoint.Subscriber); ok {
			err = wait.Event(ctx, opts, sub.Subscribe, wait.Matching(func(ev module.Event) bool {
				return ev.Type == module.EventCapability && ev.Capability.Name == name
			}), present)
		} else {
			err = wait.Poll(ctx, opts, present)
		}
		if err != nil {
			return err
		}
		m.logger.Info("marker capability available", "capability", name)
	}
	return nil
}

func auditEntry(ctx context.Context, action audit.Action, name string, h module.Handle, err error) audit.Entry {
	e := audit.Entry{Action: action, Name: name, CorrelationID: endpoint.CorrelationID(ctx)}
	if !h.IsZero() {
		e.Module = h.String()
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
