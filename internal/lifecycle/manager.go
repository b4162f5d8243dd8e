// Package lifecycle drives a module runtime for a test harness: it brings the
// runtime up, installs the bootstrap support module, deploys caller artifacts
// and tears everything down again.
//
// A Manager moves through
//
//	NEW → CONNECTING → BOOTSTRAPPING → READY ⇄ DEPLOYING → STOPPING → STOPPED
//
// and can enter FAILED from any state before READY. Deploy and Undeploy are
// accepted only while READY. Stop cancels outstanding waits, lets in-flight
// calls return, then uninstalls every tracked module, the bootstrap module
// last, and finally destroys the runtime if the manager launched it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/install"
	"github.com/benaskins/modharness/internal/keychain"
	"github.com/benaskins/modharness/internal/metrics"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/port"
)

// Status is the lifecycle state of a Manager.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusConnecting    Status = "CONNECTING"
	StatusBootstrapping Status = "BOOTSTRAPPING"
	StatusReady         Status = "READY"
	StatusDeploying     Status = "DEPLOYING"
	StatusStopping      Status = "STOPPING"
	StatusStopped       Status = "STOPPED"
	StatusFailed        Status = "FAILED"
)

// bootstrapName is the logical name the bootstrap module is tracked under in
// logs and audit records. Caller artifacts live in a separate namespace.
const bootstrapName = "bootstrap"

var errStopping = errors.New("manager stopping")

// ErrSingleUse is returned by Start on a manager that already stopped or
// failed. A new Manager is needed for another run.
var ErrSingleUse = errors.New("manager cannot be restarted")

// Manager owns one runtime and the modules deployed into it. All methods are
// safe for concurrent use.
type Manager struct {
	id           string
	cfg          *config.Config
	logger       *slog.Logger
	installer    *install.Installer
	audit        *audit.Logger
	secrets      keychain.Store
	newFramework FrameworkFactory
	bootstrapArt []byte
	ports        *port.Allocator
	echo         io.Writer
	journal      *journal

	opCtx    context.Context
	opCancel context.CancelCauseFunc
	inflight sync.WaitGroup

	mu        sync.Mutex
	status    Status
	failure   error
	handles   map[string]module.Handle
	pending   map[string]struct{}
	deploying int

	rt            *runtime
	conn          endpoint.Conn
	bootstrap     module.Handle
	ownsBootstrap bool
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFramework supplies the in-process runtime used in embedded mode.
func WithFramework(f FrameworkFactory) Option {
	return func(m *Manager) { m.newFramework = f }
}

// WithBootstrapArtifact supplies the bootstrap module bytes directly instead
// of reading bootstrap.path.
func WithBootstrapArtifact(artifact []byte) Option {
	return func(m *Manager) { m.bootstrapArt = artifact }
}

// WithKeychain sets the store credentials.keychain is resolved against.
func WithKeychain(s keychain.Store) Option {
	return func(m *Manager) { m.secrets = s }
}

// WithAuditLogger records launches, installs and uninstalls.
func WithAuditLogger(a *audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithEcho sets where child output goes when echo_output is enabled.
// Defaults to stderr.
func WithEcho(w io.Writer) Option {
	return func(m *Manager) { m.echo = w }
}

// WithPortAllocator sets the allocator used for address port 0.
func WithPortAllocator(a *port.Allocator) Option {
	return func(m *Manager) { m.ports = a }
}

// New creates a manager for cfg. cfg must already be validated and is not
// modified.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		id:      uuid.NewString(),
		cfg:     cfg,
		logger:  slog.With("component", "lifecycle"),
		secrets: keychain.NewSystemStore(),
		ports:   port.NewAllocator(port.DefaultMin, port.DefaultMax),
		echo:    os.Stderr,
		status:  StatusNew,
		handles: make(map[string]module.Handle),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.journal = newJournal(cfg.StateDir)
	m.installer = install.New(
		install.WithLogger(m.logger),
		install.WithPollInterval(cfg.PollInterval.Duration),
		install.WithActivationTimeout(cfg.Timeouts.Deploy.Duration),
	)
	m.opCtx, m.opCancel = context.WithCancelCause(context.Background())
	return m
}

// Status returns the current lifecycle state. A READY manager with deploys in
// flight reports DEPLOYING.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusReady && m.deploying > 0 {
		return StatusDeploying
	}
	return m.status
}

// Err returns the error that moved the manager to FAILED.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Runtime describes the runtime the manager is attached to. ok is false
// before Start has obtained one.
func (m *Manager) Runtime() (info RuntimeInfo, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return RuntimeInfo{}, false
	}
	return m.rt.info(), true
}

// Output returns up to n lines of the launched runtime's console output.
func (m *Manager) Output(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil || m.rt.drv == nil {
		return nil
	}
	return m.rt.drv.LogLines(n)
}

// withOp derives a context that is also cancelled when Stop begins.
func (m *Manager) withOp(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(m.opCtx, func() { cancel(context.Cause(m.opCtx)) })
	return cctx, func() {
		stop()
		cancel(nil)
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusStopping || m.status == StatusStopped {
		return
	}
	m.logger.Debug("status", "from", m.status, "to", s)
	m.status = s
}

// Start obtains the runtime, connects to it, brings up the bootstrap module
// and waits for the configured start level and marker capabilities. On error
// nothing is left running or tracked and the manager is FAILED.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch status := m.status; status {
	case StatusNew:
	case StatusStopping, StatusStopped, StatusFailed:
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is %s", ErrSingleUse, status)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is %s", module.ErrAlreadyRunning, status)
	}
	m.status = StatusConnecting
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	sctx, cancel := m.withOp(ctx)
	defer cancel()

	started := time.Now()
	err := m.start(sctx)
	if err != nil {
		m.abort(ctx, err)
		return err
	}

	m.mu.Lock()
	if m.status != StatusBootstrapping {
		// Stop began after the last wait returned; Stop cleans up.
		m.mu.Unlock()
		return fmt.Errorf("start: %w", errStopping)
	}
	m.status = StatusReady
	address := m.rt.ep.Address()
	m.mu.Unlock()
	m.logger.Info("runtime ready", "address", address, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func (m *Manager) start(ctx context.Context) error {
	m.reapOrphans(ctx)

	rt, err := m.launch(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rt = rt
	m.mu.Unlock()

	return m.supervised(ctx, rt, func(ctx context.Context) error {
		if m.cfg.ReadyFile != "" && rt.owned {
			if err := waitReadyFile(ctx, m.cfg); err != nil {
				return err
			}
		}

		conn, err := rt.ep.Connect(ctx, m.cfg.Timeouts.Connect.Duration)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.logger.Info("connected", "address", rt.ep.Address())

		m.setStatus(StatusBootstrapping)
		m.reapModules(ctx, conn)
		if err := m.startBootstrap(ctx, conn); err != nil {
			return err
		}
		if err := m.awaitStartLevel(ctx, conn); err != nil {
			return err
		}
		return m.awaitMarkers(ctx, conn)
	})
}

// abort tears down whatever a failed Start set up.
func (m *Manager) abort(ctx context.Context, cause error) {
	m.logger.Error("start failed", "error", cause)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeouts.Stop.Duration)
	defer cancel()

	m.mu.Lock()
	conn, rt := m.conn, m.rt
	bootstrap, owns := m.bootstrap, m.ownsBootstrap
	m.conn, m.rt = nil, nil
	m.bootstrap, m.ownsBootstrap = module.Handle{}, false
	if m.status != StatusStopping && m.status != StatusStopped {
		m.status = StatusFailed
	}
	m.failure = cause
	m.mu.Unlock()

	if conn != nil {
		if owns && rt != nil && !rt.owned {
			// The runtime outlives us, so do not leave the bootstrap module behind.
			m.uninstall(cctx, conn, bootstrapName, bootstrap)
		}
		conn.Close()
	}
	m.destroy(cctx, rt)
	if err := m.journal.clear(); err != nil {
		m.logger.Warn("failed to clear state file", "error", err)
	}
}

// Stop uninstalls everything the manager tracks and destroys the runtime if
// the manager launched it. Failures are logged and counted, never returned.
// Stop is idempotent; calls after the first return immediately.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	prev := m.status
	switch prev {
	case StatusStopping, StatusStopped:
		m.mu.Unlock()
		return
	}
	m.status = StatusStopping
	m.mu.Unlock()

	m.logger.Info("stopping", "from", prev)
	m.opCancel(errStopping)
	m.drain(ctx)

	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]module.Handle)
	conn, rt := m.conn, m.rt
	bootstrap, owns := m.bootstrap, m.ownsBootstrap
	m.conn, m.rt = nil, nil
	m.mu.Unlock()

	if conn != nil {
		m.uninstallAll(ctx, conn, handles)
		if owns {
			m.uninstall(ctx, conn, bootstrapName, bootstrap)
			if err := conn.Refresh(ctx); err != nil {
				m.logger.Warn("refresh after bootstrap removal failed", "error", err)
			}
		}
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing management connection", "error", err)
		}
	} else if len(handles) > 0 {
		m.logger.Error("no management connection, modules left installed", "count", len(handles))
		metrics.IncStopFailure()
	}

	m.destroy(ctx, rt)
	if err := m.journal.clear(); err != nil {
		m.logger.Warn("failed to clear state file", "error", err)
	}
	metrics.AddTracked(-len(handles))

	m.mu.Lock()
	m.status = StatusStopped
	m.mu.Unlock()
	m.logger.Info("stopped")
}

// drain waits for in-flight calls to notice the cancellation and return.
func (m *Manager) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.Timeouts.Stop.Duration)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Warn("in-flight operations did not finish, stopping anyway")
	case <-ctx.Done():
		m.logger.Warn("stop context ended while draining in-flight operations", "error", ctx.Err())
	}
}
