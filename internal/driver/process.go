package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Identity pins a PID to one particular process. A PID alone is not enough to
// find a runtime again after the harness crashed, since the OS recycles PIDs.
type Identity struct {
	PID        int    `json:"pid"`
	Name       string `json:"name,omitempty"`
	CreateTime int64  `json:"create_time,omitempty"` // ms since epoch
}

// Identify records the identity of a running process.
func Identify(ctx context.Context, pid int) (Identity, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("process %d: %w", pid, err)
	}
	id := Identity{PID: pid}
	if id.Name, err = p.NameWithContext(ctx); err != nil {
		return Identity{}, fmt.Errorf("process %d name: %w", pid, err)
	}
	if id.CreateTime, err = p.CreateTimeWithContext(ctx); err != nil {
		return Identity{}, fmt.Errorf("process %d create time: %w", pid, err)
	}
	return id, nil
}

// VerifyProcess reports whether id still refers to the same live process.
// Zero name and create time skip the respective check.
func VerifyProcess(ctx context.Context, id Identity) bool {
	p, err := process.NewProcessWithContext(ctx, int32(id.PID))
	if err != nil {
		return false
	}
	if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
		return false
	}
	if id.CreateTime != 0 {
		actual, err := p.CreateTimeWithContext(ctx)
		if err != nil || actual != id.CreateTime {
			return false
		}
	}
	if id.Name != "" {
		actual, err := p.NameWithContext(ctx)
		if err != nil || filepath.Base(actual) != filepath.Base(id.Name) {
			return false
		}
	}
	return true
}

// Reap ends a process the harness launched but no longer supervises. The
// process group receives SIGTERM, then SIGKILL after timeout. A process that
// does not match id is left alone and reported as not reaped.
func Reap(ctx context.Context, id Identity, timeout time.Duration) (bool, error) {
	if !VerifyProcess(ctx, id) {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(id.PID))
	if err != nil {
		return false, nil
	}
	if err := terminateGroup(id.PID); err != nil {
		if err := p.TerminateWithContext(ctx); err != nil {
			return false, fmt.Errorf("terminating %d: %w", id.PID, err)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
				return true, nil
			}
		case <-deadline.C:
			_ = killGroup(id.PID)
			_ = p.KillWithContext(ctx)
			return true, nil
		case <-ctx.Done():
			_ = killGroup(id.PID)
			return true, ctx.Err()
		}
	}
}
