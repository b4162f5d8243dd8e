// Package driver launches and supervises runtime processes.
package driver

import (
	"context"
	"io"
	"time"
)

const defaultBufSize = 2000

// State represents the lifecycle state of a supervised process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// ProcessInfo holds runtime information about a supervised process.
type ProcessInfo struct {
	Command   string
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	Error     string
}

// Driver is the interface for runtime process lifecycle management.
// Native and container drivers both implement this.
type Driver interface {
	// Start launches the process and returns immediately. Output is drained
	// continuously from this point on.
	Start(ctx context.Context) error

	// Stop sends a graceful shutdown signal, waits up to timeout, then
	// force-kills. Stopping a process that never started or already exited
	// is a no-op.
	Stop(ctx context.Context, timeout time.Duration) error

	Info() ProcessInfo

	// Wait blocks until the process exits and returns the exit code.
	Wait() (int, error)

	// Exited is closed once the process has exited.
	Exited() <-chan struct{}

	// LogLines returns up to n of the most recent output lines.
	LogLines(n int) []string
}

// Config is the launch configuration shared by all drivers.
type Config struct {
	// Name identifies the runtime in logs and container names.
	Name string
	// Command is the executable followed by its arguments.
	Command []string
	Env     []string
	Dir     string
	// Echo, when set, receives a copy of all process output. Write errors on
	// Echo are ignored.
	Echo io.Writer
	// BufSize is the number of output lines retained. Zero uses a default.
	BufSize int
}
