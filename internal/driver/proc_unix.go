//go:build unix

package driver

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so the runtime and
// everything it forks can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
