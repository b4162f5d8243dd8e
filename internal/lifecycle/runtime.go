package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/driver"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/metrics"
	"github.com/benaskins/modharness/internal/module"
)

// probeTimeout bounds the check for a runtime that is already listening.
const probeTimeout = 500 * time.Millisecond

// FrameworkFactory creates the in-process runtime for embedded mode.
type FrameworkFactory func(ctx context.Context, cfg *config.Config) (module.Framework, error)

// RuntimeInfo describes the runtime a manager is attached to.
type RuntimeInfo struct {
	Mode    config.Mode `json:"mode"`
	Address string      `json:"address"`
	Owned   bool        `json:"owned"`
	PID     int         `json:"pid,omitempty"`
}

// runtime is the module runtime behind a Manager together with whatever the
// manager launched to obtain it.
type runtime struct {
	mode    config.Mode
	ep      endpoint.Endpoint
	drv     driver.Driver
	fw      module.Framework
	owned   bool
	portKey string
}

func (r *runtime) info() RuntimeInfo {
	info := RuntimeInfo{Mode: r.mode, Address: r.ep.Address(), Owned: r.owned}
	if r.drv != nil {
		info.PID = r.drv.Info().PID
	}
	return info
}

// launch obtains the configured runtime: it creates the embedded framework,
// spawns a process or container, or simply points at a remote endpoint.
func (m *Manager) launch(ctx context.Context) (*runtime, error) {
	switch m.cfg.Mode {
	case config.ModeEmbedded:
		if m.newFramework == nil {
			return nil, fmt.Errorf("embedded mode requires a framework factory")
		}
		fw, err := m.newFramework(ctx, m.cfg)
		metrics.RecordLaunch(string(m.cfg.Mode), err)
		if err != nil {
			return nil, fmt.Errorf("creating embedded runtime: %w", err)
		}
		rt := &runtime{mode: m.cfg.Mode, ep: endpoint.NewLocal(fw), fw: fw, owned: true}
		m.audit.Log(audit.Entry{Action: audit.ActionRuntimeLaunch, Runtime: rt.ep.Address()})
		return rt, nil

	case config.ModeRemote:
		ep, err := m.remoteEndpoint(m.cfg.Address)
		if err != nil {
			return nil, err
		}
		m.audit.Log(audit.Entry{Action: audit.ActionRuntimeAttach, Runtime: ep.Address()})
		return &runtime{mode: m.cfg.Mode, ep: ep}, nil
	}

	rt := &runtime{mode: m.cfg.Mode}
	address, err := m.resolveAddress(rt)
	if err != nil {
		return nil, err
	}
	if rt.ep, err = m.remoteEndpoint(address); err != nil {
		m.releasePort(rt)
		return nil, err
	}

	if running, err := m.alreadyRunning(ctx, rt.ep); err != nil {
		m.releasePort(rt)
		return nil, err
	} else if running {
		if !m.cfg.AllowConnectToRunning {
			m.releasePort(rt)
			return nil, fmt.Errorf("%w: something already answers on %s", module.ErrAlreadyRunning, address)
		}
		m.logger.Info("attaching to running runtime", "address", address)
		m.audit.Log(audit.Entry{Action: audit.ActionRuntimeAttach, Runtime: address})
		return rt, nil
	}

	if rt.drv, err = m.newDriver(address); err != nil {
		metrics.RecordLaunch(string(m.cfg.Mode), err)
		m.releasePort(rt)
		return nil, err
	}
	rt.owned = true

	err = rt.drv.Start(ctx)
	metrics.RecordLaunch(string(m.cfg.Mode), err)
	if err != nil {
		launchErr := driver.LaunchError(rt.drv, err)
		m.destroy(context.WithoutCancel(ctx), rt)
		m.audit.Log(audit.Entry{Action: audit.ActionRuntimeLaunch, Runtime: address, Error: err.Error()})
		return nil, launchErr
	}

	info := rt.drv.Info()
	m.logger.Info("runtime launched", "mode", m.cfg.Mode, "pid", info.PID, "address", address)
	m.audit.Log(audit.Entry{Action: audit.ActionRuntimeLaunch, Runtime: address, PID: info.PID})

	rec := RuntimeRecord{Mode: string(m.cfg.Mode), Address: address}
	if info.PID > 0 {
		if id, err := driver.Identify(ctx, info.PID); err == nil {
			rec.Process = id
		} else {
			rec.Process = driver.Identity{PID: info.PID}
		}
	}
	if err := m.journal.setRuntime(rec); err != nil {
		m.logger.Warn("failed to record runtime", "error", err)
	}
	return rt, nil
}

// resolveAddress replaces port 0 in the configured address with a free port.
func (m *Manager) resolveAddress(rt *runtime) (string, error) {
	u, err := url.Parse(m.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("parsing address: %w", err)
	}
	if u.Port() != "0" {
		return u.String(), nil
	}
	rt.portKey = m.id
	p, err := m.ports.Allocate(rt.portKey)
	if err != nil {
		return "", fmt.Errorf("allocating management port: %w", err)
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(p))
	return u.String(), nil
}

func (m *Manager) releasePort(rt *runtime) {
	if rt.portKey != "" {
		m.ports.Release(rt.portKey)
		rt.portKey = ""
	}
}

func (m *Manager) remoteEndpoint(address string) (*endpoint.Remote, error) {
	user, pass, err := m.cfg.Credentials.Resolve(m.secrets)
	if err != nil {
		return nil, err
	}
	opts := []endpoint.RemoteOption{
		endpoint.WithRequestRate(m.cfg.RequestRate),
		endpoint.WithRetryInterval(m.cfg.PollInterval.Duration),
		endpoint.WithLogger(m.logger),
	}
	if user != "" || pass != "" {
		opts = append(opts, endpoint.WithCredentials(user, pass))
	}
	return endpoint.NewRemote(address, opts...)
}

// alreadyRunning reports whether an endpoint answers before anything was
// launched. A credential rejection still proves something is listening.
func (m *Manager) alreadyRunning(ctx context.Context, ep endpoint.Endpoint) (bool, error) {
	conn, err := ep.Connect(ctx, probeTimeout)
	switch {
	case err == nil:
		conn.Close()
		return true, nil
	case errors.Is(err, endpoint.ErrUnauthorized):
		return true, nil
	case errors.Is(err, module.ErrTimeout):
		return false, nil
	}
	return false, err
}

func (m *Manager) newDriver(address string) (driver.Driver, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	var echo io.Writer
	if m.cfg.EchoOutput {
		echo = m.echo
	}

	if m.cfg.Mode == config.ModeContainer {
		listen := u.Host
		ports := slices.Clone(m.cfg.Container.Ports)
		if m.cfg.Container.NetworkMode != "host" {
			// Inside its own network namespace the runtime must listen on all
			// interfaces; the host reaches it through the published port.
			listen = net.JoinHostPort("0.0.0.0", u.Port())
			ports = append(ports, u.Hostname()+":"+u.Port()+":"+u.Port()+"/tcp")
		}
		env := []string{config.EnvManagementAddr + "=" + listen}
		for k, v := range m.cfg.Env {
			env = append(env, k+"="+v)
		}
		d, err := driver.NewContainer(driver.ContainerConfig{
			Config: driver.Config{
				Name:    m.id,
				Command: append(append([]string{}, m.cfg.Command...), m.cfg.Args...),
				Env:     env,
				Echo:    echo,
				BufSize: m.cfg.OutputLines,
			},
			Image:       m.cfg.Container.Image,
			NetworkMode: m.cfg.Container.NetworkMode,
			Volumes:     m.cfg.Container.Volumes,
			Ports:       ports,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	exe, args := m.cfg.LaunchCommand()
	return driver.NewNative(driver.Config{
		Name:    m.id,
		Command: append([]string{exe}, args...),
		Env:     m.cfg.LaunchEnv(u.Host),
		Dir:     m.cfg.Home,
		Echo:    echo,
		BufSize: m.cfg.OutputLines,
	}), nil
}

// destroy releases everything the manager launched for rt. It is safe to call
// more than once and on a partially launched runtime.
func (m *Manager) destroy(ctx context.Context, rt *runtime) {
	if rt == nil {
		return
	}
	defer m.releasePort(rt)
	if !rt.owned {
		return
	}
	rt.owned = false

	var pid int
	if rt.drv != nil {
		pid = rt.drv.Info().PID
		if err := rt.drv.Stop(ctx, m.cfg.Timeouts.Stop.Duration); err != nil {
			m.logger.Error("failed to stop runtime", "pid", pid, "error", err)
			metrics.IncStopFailure()
		}
	}
	if s, ok := rt.fw.(module.Shutdowner); ok {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Stop.Duration)
		if err := s.Shutdown(sctx); err != nil {
			m.logger.Error("failed to shut down embedded runtime", "error", err)
			metrics.IncStopFailure()
		}
		cancel()
	}
	m.audit.Log(audit.Entry{Action: audit.ActionRuntimeDestroy, Runtime: rt.ep.Address(), PID: pid})
	if err := m.journal.clearRuntime(); err != nil {
		m.logger.Warn("failed to update state file", "error", err)
	}
}

// reapOrphans ends a runtime process recorded by an earlier run that never
// stopped it.
func (m *Manager) reapOrphans(ctx context.Context) {
	st, err := m.journal.load()
	if err != nil {
		m.logger.Warn("ignoring unreadable state file", "error", err)
		return
	}
	if st.Runtime == nil || st.Runtime.Process.PID == 0 || st.Runtime.Process.PID == os.Getpid() {
		return
	}
	id := st.Runtime.Process
	reaped, err := driver.Reap(ctx, id, m.cfg.Timeouts.Stop.Duration)
	if err != nil {
		m.logger.Warn("failed to reap orphaned runtime", "pid", id.PID, "error", err)
		return
	}
	if reaped {
		m.logger.Warn("reaped orphaned runtime from a previous run", "pid", id.PID, "address", st.Runtime.Address)
		m.audit.Log(audit.Entry{Action: audit.ActionOrphanReap, Runtime: st.Runtime.Address, PID: id.PID})
	}
	if err := m.journal.clearRuntime(); err != nil {
		m.logger.Warn("failed to update state file", "error", err)
	}
}

// reapModules removes modules recorded by an earlier run that are still
// installed. Install locations are unique per run, so nothing else matches.
func (m *Manager) reapModules(ctx context.Context, conn endpoint.Conn) {
	st, err := m.journal.load()
	if err != nil || (len(st.Modules) == 0 && st.Bootstrap == nil) {
		return
	}
	leftovers := maps.Clone(st.Modules)
	if leftovers == nil {
		leftovers = make(map[string]ModuleRecord)
	}
	if st.Bootstrap != nil {
		// Removed so the bootstrap step installs a fresh, owned copy instead
		// of adopting the stale one as unowned.
		leftovers[bootstrapName] = *st.Bootstrap
	}
	for name, rec := range leftovers {
		h := rec.handle()
		if _, err := conn.State(ctx, h); err != nil {
			continue
		}
		if err := m.installer.Uninstall(ctx, conn, h); err != nil {
			m.logger.Warn("failed to remove module left by a previous run", "name", name, "module", h.String(), "error", err)
			continue
		}
		m.logger.Warn("removed module left by a previous run", "name", name, "module", h.String())
		m.audit.Log(audit.Entry{Action: audit.ActionUninstall, Name: name, Module: h.String()})
	}
	if err := m.journal.update(func(st *journalState) {
		st.Modules = nil
		st.Bootstrap = nil
	}); err != nil {
		m.logger.Warn("failed to update state file", "error", err)
	}
}
