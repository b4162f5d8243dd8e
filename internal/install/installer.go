// Package install folds the runtime's install, start and activation steps
// into single calls with all-or-nothing semantics.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/wait"
)

const cleanupTimeout = 10 * time.Second

// Installer installs and removes artifacts through an endpoint.Conn.
type Installer struct {
	logger        *slog.Logger
	pollInterval  time.Duration
	activeTimeout time.Duration
}

// Option configures an Installer.
type Option func(*Installer)

func WithLogger(l *slog.Logger) Option {
	return func(in *Installer) { in.logger = l }
}

// WithPollInterval sets how often module state is polled when the connection
// cannot push events.
func WithPollInterval(d time.Duration) Option {
	return func(in *Installer) { in.pollInterval = d }
}

// WithActivationTimeout sets the default bound on reaching ACTIVE.
func WithActivationTimeout(d time.Duration) Option {
	return func(in *Installer) { in.activeTimeout = d }
}

// New creates an Installer.
func New(opts ...Option) *Installer {
	in := &Installer{
		logger:        slog.With("component", "install"),
		pollInterval:  wait.DefaultInterval,
		activeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Request describes one install.
type Request struct {
	// Name is the logical deployment name. The install location is derived
	// from it and made unique per call.
	Name     string
	Artifact []byte
	// Start asks for the module to be started and awaited until ACTIVE.
	Start bool
	// StartLevel, when positive, is assigned to the module before any start.
	StartLevel int
	// Timeout bounds the activation wait. Zero uses the installer default.
	Timeout time.Duration
	// Phase labels the activation wait. Zero means module.PhaseDeploy.
	Phase module.Phase
}

// Location returns a unique install location for name.
func Location(name string) string {
	return fmt.Sprintf("modharness:%s?install=%s", name, uuid.NewString())
}

// Install installs req.Artifact and, when req.Start is set, starts it and
// waits for ACTIVE. On any failure after the runtime accepted the artifact the
// module is uninstalled again, so a returned error never leaves it behind.
//
// The install request itself is not abandoned when ctx ends: a runtime that
// already received the artifact finishes installing it regardless, so the
// request runs to completion (bounded by the activation timeout) and the
// module is removed again if the caller has gone.
func (in *Installer) Install(ctx context.Context, conn endpoint.Conn, req Request) (module.Handle, error) {
	if len(req.Artifact) == 0 {
		return module.Handle{}, &module.InstallError{Name: req.Name, Err: fmt.Errorf("%w: empty artifact", module.ErrInvalidArtifact)}
	}
	if err := ctx.Err(); err != nil {
		return module.Handle{}, &module.InstallError{Name: req.Name, Err: context.Cause(ctx)}
	}

	location := Location(req.Name)
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.timeout(req.Timeout))
	h, err := conn.Install(ictx, location, bytes.NewReader(req.Artifact))
	cancel()
	if err != nil {
		if !errors.Is(err, module.ErrInvalidArtifact) {
			in.sweep(ctx, conn, location)
		}
		return module.Handle{}, &module.InstallError{Name: req.Name, Err: err}
	}
	in.logger.Info("module installed", "name", req.Name, "module", h.String())

	if ctx.Err() != nil {
		in.discard(ctx, conn, h)
		return module.Handle{}, &module.InstallError{Name: req.Name, Err: context.Cause(ctx)}
	}
	if req.StartLevel > 0 {
		if err := conn.SetModuleStartLevel(ctx, h, req.StartLevel); err != nil {
			in.discard(ctx, conn, h)
			return module.Handle{}, fmt.Errorf("setting start level of %s to %d: %w", h, req.StartLevel, err)
		}
	}

	if !req.Start {
		return h, nil
	}
	if err := in.StartModule(ctx, conn, h, req.Timeout, req.Phase); err != nil {
		in.discard(ctx, conn, h)
		return module.Handle{}, err
	}
	return h, nil
}

// StartModule starts h and waits until it is ACTIVE.
func (in *Installer) StartModule(ctx context.Context, conn endpoint.Conn, h module.Handle, timeout time.Duration, phase module.Phase) error {
	if err := conn.Start(ctx, h); err != nil {
		return fmt.Errorf("starting %s: %w", h, err)
	}
	return in.AwaitActive(ctx, conn, h, timeout, phase)
}

// AwaitActive waits for h to reach ACTIVE, listening for events when conn can
// push them and polling otherwise.
func (in *Installer) AwaitActive(ctx context.Context, conn endpoint.Conn, h module.Handle, timeout time.Duration, phase module.Phase) error {
	timeout = in.timeout(timeout)
	if phase == "" {
		phase = module.PhaseDeploy
	}
	opts := wait.Options{
		Phase:    phase,
		Awaiting: h.String() + " " + string(module.StateActive),
		Timeout:  timeout,
		Interval: in.pollInterval,
	}
	isActive := func(ctx context.Context) (bool, string, error) {
		state, err := conn.State(ctx, h)
		if errors.Is(err, module.ErrNotFound) {
			return false, string(module.StateUninstalled), wait.Abort(err)
		}
		if err != nil {
			return false, "", err
		}
		return state == module.StateActive, string(state), nil
	}

	if sub, ok := conn.(endpoint.Subscriber); ok {
		return wait.Event(ctx, opts, sub.Subscribe, func(ev module.Event) (bool, error) {
			if ev.Type != module.EventModule || ev.Module.ID != h.ID() {
				return false, nil
			}
			if ev.Module.State == module.StateUninstalled {
				return false, fmt.Errorf("%s: %w", h, module.ErrNotFound)
			}
			return ev.Module.State == module.StateActive, nil
		}, isActive)
	}
	return wait.Poll(ctx, opts, isActive)
}

// Uninstall removes h. A module the runtime no longer knows, or reports as
// UNINSTALLED, counts as removed.
func (in *Installer) Uninstall(ctx context.Context, conn endpoint.Conn, h module.Handle) error {
	state, err := conn.State(ctx, h)
	switch {
	case errors.Is(err, module.ErrNotFound) || state == module.StateUninstalled:
		in.logger.Warn("module already uninstalled", "module", h.String())
		return nil
	case err != nil:
		return fmt.Errorf("querying %s: %w", h, err)
	}

	if err := conn.Uninstall(ctx, h); err != nil {
		if errors.Is(err, module.ErrNotFound) {
			in.logger.Warn("module already uninstalled", "module", h.String())
			return nil
		}
		return fmt.Errorf("uninstalling %s: %w", h, err)
	}
	in.logger.Info("module uninstalled", "module", h.String())
	return nil
}

func (in *Installer) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return in.activeTimeout
	}
	return d
}

// sweep removes whatever the runtime installed at location after an install
// request failed without telling us. Locations are unique per call, so a
// match can only be ours.
func (in *Installer) sweep(ctx context.Context, conn endpoint.Conn, location string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	infos, err := conn.Modules(cctx, "")
	if err != nil {
		in.logger.Warn("could not check for a partial install", "location", location, "error", err)
		return
	}
	for _, info := range infos {
		if info.Location == location {
			in.logger.Warn("removing module left by a failed install", "module", module.HandleOf(info).String())
			in.discard(ctx, conn, module.HandleOf(info))
		}
	}
}

// discard removes a half-deployed module after a failed start. It runs even
// when ctx is already cancelled.
func (in *Installer) discard(ctx context.Context, conn endpoint.Conn, h module.Handle) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := in.Uninstall(cctx, conn, h); err != nil {
		in.logger.Error("failed to remove module after failed start", "module", h.String(), "error", err)
	}
}
