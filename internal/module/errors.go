package module

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a handle or name no longer refers to an
	// installed module. Uninstall paths treat it as success.
	ErrNotFound = errors.New("module not found")

	// ErrInvalidArtifact is returned when the runtime rejects an artifact.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrConnectionLost marks transport failures talking to a management endpoint.
	ErrConnectionLost = errors.New("management connection lost")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out")

	ErrAlreadyRunning  = errors.New("runtime already running")
	ErrAlreadyDeployed = errors.New("name already deployed")
	ErrNotReady        = errors.New("runtime not ready")
)

// Phase names the lifecycle step a wait belongs to.
type Phase string

const (
	PhaseConnect    Phase = "connect"
	PhaseBootstrap  Phase = "bootstrap"
	PhaseStartLevel Phase = "start-level"
	PhaseMarker     Phase = "marker"
	PhaseDeploy     Phase = "deploy"
	PhaseReadyFile  Phase = "ready-file"
)

// TimeoutError reports a bounded wait that expired. It records what was being
// awaited and the last state observed before giving up.
type TimeoutError struct {
	Phase        Phase
	Awaiting     string
	LastObserved string
	Timeout      time.Duration
	// Cause is the last error returned by the awaited condition, if any.
	Cause error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out after %s awaiting %s", e.Phase, e.Timeout, e.Awaiting)
	if e.LastObserved != "" {
		msg += fmt.Sprintf(" (last observed: %s)", e.LastObserved)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTimeout reports whether err is a TimeoutError for phase. An empty phase
// matches any timeout.
func IsTimeout(err error, phase Phase) bool {
	var te *TimeoutError
	if !errors.As(err, &te) {
		return false
	}
	return phase == "" || te.Phase == phase
}

// InstallError wraps a runtime refusal to install an artifact.
type InstallError struct {
	Name string
	Err  error
}

func (e *InstallError) Error() string { return fmt.Sprintf("install %s: %v", e.Name, e.Err) }
func (e *InstallError) Unwrap() error { return e.Err }

// ConnectionError is a transport failure against a management endpoint.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("management endpoint %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionLost }

// ProcessLaunchError reports a runtime process that could not be started or
// exited before it became reachable. Output holds the tail of its console.
type ProcessLaunchError struct {
	Command string
	Output  []string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Command, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }
