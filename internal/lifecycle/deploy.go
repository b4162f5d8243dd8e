package lifecycle

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/install"
	"github.com/benaskins/modharness/internal/metrics"
	"github.com/benaskins/modharness/internal/module"
)

// maxParallelUninstall bounds concurrent uninstalls during Stop.
const maxParallelUninstall = 4

// connected returns the connection for a query, failing unless the manager
// is READY.
func (m *Manager) connected() (endpoint.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusReady || m.conn == nil {
		return nil, fmt.Errorf("%w: manager is %s", module.ErrNotReady, m.status)
	}
	return m.conn, nil
}

// begin registers an in-flight mutating call.
func (m *Manager) begin() (endpoint.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusReady || m.conn == nil {
		return nil, fmt.Errorf("%w: manager is %s", module.ErrNotReady, m.status)
	}
	m.inflight.Add(1)
	return m.conn, nil
}

// DeployOptions tune a single deployment.
type DeployOptions struct {
	// Start starts the module and waits for ACTIVE. Fragments are never
	// started.
	Start bool
	// StartLevel, when positive, is assigned to the module before it is
	// started. A level above the runtime's keeps the module from becoming
	// ACTIVE until the runtime is raised to it.
	StartLevel int
}

// Deploy installs artifact under the logical name and, when start is set and
// the artifact is not a fragment, starts it and waits for ACTIVE. A name that
// is tracked or being deployed is rejected with module.ErrAlreadyDeployed. On
// error nothing is left installed and nothing is tracked for name.
func (m *Manager) Deploy(ctx context.Context, name string, artifact []byte, start bool) (module.Handle, error) {
	return m.DeployWith(ctx, name, artifact, DeployOptions{Start: start})
}

// DeployWith is Deploy with per-deployment options.
func (m *Manager) DeployWith(ctx context.Context, name string, artifact []byte, opts DeployOptions) (module.Handle, error) {
	if name == "" {
		return module.Handle{}, fmt.Errorf("deploy: empty name")
	}
	if opts.StartLevel < 0 {
		return module.Handle{}, fmt.Errorf("deploy %s: start level must not be negative, got %d", name, opts.StartLevel)
	}

	m.mu.Lock()
	if m.status != StatusReady || m.conn == nil {
		status := m.status
		m.mu.Unlock()
		return module.Handle{}, fmt.Errorf("deploy %s: %w: manager is %s", name, module.ErrNotReady, status)
	}
	_, tracked := m.handles[name]
	_, pending := m.pending[name]
	if tracked || pending {
		m.mu.Unlock()
		return module.Handle{}, fmt.Errorf("deploy %s: %w", name, module.ErrAlreadyDeployed)
	}
	m.pending[name] = struct{}{}
	m.deploying++
	m.inflight.Add(1)
	conn := m.conn
	m.mu.Unlock()
	defer m.inflight.Done()

	dctx, cancel := m.withOp(ctx)
	defer cancel()
	dctx = endpoint.WithCorrelationID(dctx, uuid.NewString())

	h, err := m.deploy(dctx, conn, name, artifact, opts)

	m.mu.Lock()
	delete(m.pending, name)
	m.deploying--
	if err == nil {
		m.handles[name] = h
	}
	m.mu.Unlock()

	metrics.RecordDeploy("deploy", err)
	if err == nil {
		metrics.AddTracked(1)
	}
	m.audit.Log(auditEntry(dctx, audit.ActionInstall, name, h, err))
	if err != nil {
		m.logger.Error("deploy failed", "name", name, "error", err)
		return module.Handle{}, err
	}
	if jerr := m.journal.addModule(name, h); jerr != nil {
		m.logger.Warn("failed to record module", "name", name, "error", jerr)
	}
	m.logger.Info("deployed", "name", name, "module", h.String())
	return h, nil
}

func (m *Manager) deploy(ctx context.Context, conn endpoint.Conn, name string, artifact []byte, opts DeployOptions) (module.Handle, error) {
	mf, err := module.ReadManifest(artifact)
	if err != nil {
		return module.Handle{}, &module.InstallError{Name: name, Err: err}
	}
	start := opts.Start
	if start && mf.IsFragment() {
		m.logger.Debug("not starting fragment", "name", name, "host", mf.Headers[module.HeaderFragmentHost])
		start = false
	}
	return m.installer.Install(ctx, conn, install.Request{
		Name:       name,
		Artifact:   artifact,
		Start:      start,
		StartLevel: opts.StartLevel,
		Timeout:    m.cfg.Timeouts.Deploy.Duration,
		Phase:      module.PhaseDeploy,
	})
}

// Undeploy uninstalls the module tracked under name. An unknown name is a
// no-op. If the uninstall fails the module stays tracked so Stop retries it.
func (m *Manager) Undeploy(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.status != StatusReady || m.conn == nil {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("undeploy %s: %w: manager is %s", name, module.ErrNotReady, status)
	}
	h, ok := m.handles[name]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("undeploy of unknown name ignored", "name", name)
		return nil
	}
	m.deploying++
	m.inflight.Add(1)
	conn := m.conn
	m.mu.Unlock()
	defer m.inflight.Done()

	uctx, cancel := m.withOp(ctx)
	defer cancel()
	uctx = endpoint.WithCorrelationID(uctx, uuid.NewString())

	err := m.installer.Uninstall(uctx, conn, h)

	m.mu.Lock()
	m.deploying--
	removed := err == nil && m.handles[name] == h
	if removed {
		delete(m.handles, name)
	}
	m.mu.Unlock()

	metrics.RecordDeploy("undeploy", err)
	if removed {
		metrics.AddTracked(-1)
	}
	m.audit.Log(auditEntry(uctx, audit.ActionUninstall, name, h, err))
	if err != nil {
		return fmt.Errorf("undeploy %s: %w", name, err)
	}
	if jerr := m.journal.removeModule(name); jerr != nil {
		m.logger.Warn("failed to update state file", "name", name, "error", jerr)
	}
	return nil
}

// Handle returns the handle tracked under name.
func (m *Manager) Handle(name string) (module.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}

// Handles returns a snapshot of every tracked name and its handle.
func (m *Manager) Handles() map[string]module.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.handles)
}

// Bootstrap returns the bootstrap module handle, if one is in use.
func (m *Manager) Bootstrap() (module.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootstrap, !m.bootstrap.IsZero()
}

// ModuleState queries the runtime for h's current state. A module the runtime
// no longer knows yields module.ErrNotFound.
func (m *Manager) ModuleState(ctx context.Context, h module.Handle) (module.State, error) {
	conn, err := m.connected()
	if err != nil {
		return "", err
	}
	return conn.State(ctx, h)
}

// Modules lists installed modules, filtered by symbolic name when non-empty.
func (m *Manager) Modules(ctx context.Context, symbolicName string) ([]module.Info, error) {
	conn, err := m.connected()
	if err != nil {
		return nil, err
	}
	return conn.Modules(ctx, symbolicName)
}

// StartModule starts the installed module with the given symbolic name and
// waits for ACTIVE. An empty version matches any version; when several match,
// the most recently installed one is used.
func (m *Manager) StartModule(ctx context.Context, symbolicName, version string) (module.Handle, error) {
	conn, err := m.begin()
	if err != nil {
		return module.Handle{}, err
	}
	defer m.inflight.Done()

	sctx, cancel := m.withOp(ctx)
	defer cancel()

	infos, err := conn.Modules(sctx, symbolicName)
	if err != nil {
		return module.Handle{}, err
	}
	var found *module.Info
	for i := range infos {
		if version != "" && infos[i].Version != version {
			continue
		}
		if found == nil || infos[i].ID > found.ID {
			found = &infos[i]
		}
	}
	if found == nil {
		return module.Handle{}, fmt.Errorf("start %s:%s: %w", symbolicName, version, module.ErrNotFound)
	}
	h := module.HandleOf(*found)
	if found.Fragment {
		return module.Handle{}, fmt.Errorf("start %s: fragments cannot be started", h)
	}

	err = m.installer.StartModule(sctx, conn, h, m.cfg.Timeouts.Deploy.Duration, module.PhaseDeploy)
	m.audit.Log(auditEntry(sctx, audit.ActionStart, "", h, err))
	if err != nil {
		return module.Handle{}, err
	}
	return h, nil
}

// StartLevel returns the runtime's current start level.
func (m *Manager) StartLevel(ctx context.Context) (int, error) {
	conn, err := m.connected()
	if err != nil {
		return 0, err
	}
	return conn.StartLevel(ctx)
}

// SetStartLevel asks the runtime to move to level. It does not wait.
func (m *Manager) SetStartLevel(ctx context.Context, level int) error {
	if level <= 0 {
		return fmt.Errorf("start level must be positive, got %d", level)
	}
	conn, err := m.begin()
	if err != nil {
		return err
	}
	defer m.inflight.Done()
	return conn.SetStartLevel(ctx, level)
}

// SetModuleStartLevel changes the start level of the module tracked under
// name. It does not wait for the module to start or stop in response.
func (m *Manager) SetModuleStartLevel(ctx context.Context, name string, level int) error {
	if level <= 0 {
		return fmt.Errorf("start level must be positive, got %d", level)
	}
	conn, err := m.begin()
	if err != nil {
		return err
	}
	defer m.inflight.Done()

	h, ok := m.Handle(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, module.ErrNotFound)
	}
	return conn.SetModuleStartLevel(ctx, h, level)
}

// uninstall removes one module during teardown, logging instead of failing.
func (m *Manager) uninstall(ctx context.Context, conn endpoint.Conn, name string, h module.Handle) bool {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Stop.Duration)
	defer cancel()

	err := m.installer.Uninstall(cctx, conn, h)
	m.audit.Log(auditEntry(cctx, audit.ActionUninstall, name, h, err))
	if err != nil {
		m.logger.Error("failed to uninstall module", "name", name, "module", h.String(), "error", err)
		metrics.IncStopFailure()
		return false
	}
	return true
}

// uninstallAll removes every handle concurrently. One failure does not keep
// the others from being attempted.
func (m *Manager) uninstallAll(ctx context.Context, conn endpoint.Conn, handles map[string]module.Handle) {
	var g errgroup.Group
	g.SetLimit(maxParallelUninstall)
	for name, h := range handles {
		g.Go(func() error {
			if m.uninstall(ctx, conn, name, h) {
				if err := m.journal.removeModule(name); err != nil {
					m.logger.Warn("failed to update state file", "name", name, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if n := len(handles); n > 0 {
		m.logger.Info("uninstalled tracked modules", "count", n)
	}
}
