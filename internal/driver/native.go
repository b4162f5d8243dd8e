package driver

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/modharness/internal/logbuf"
)

// waitDelay bounds how long Wait keeps draining output after the process
// exits, in case a grandchild still holds the pipe open.
const waitDelay = 2 * time.Second

// NativeDriver manages a runtime launched as a child process.
type NativeDriver struct {
	command []string
	env     []string
	dir     string
	echo    io.Writer

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	done      chan struct{}
}

// NewNative creates a native process driver.
func NewNative(cfg Config) *NativeDriver {
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &NativeDriver{
		command: cfg.Command,
		env:     cfg.Env,
		dir:     cfg.Dir,
		echo:    cfg.Echo,
		state:   StateStopped,
		buf:     logbuf.New(bufSize),
		done:    make(chan struct{}),
	}
}

// Start launches the process. The process is not tied to ctx; only Stop ends
// it.
func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStopped || d.cmd != nil {
		return fmt.Errorf("process already started")
	}
	if len(d.command) == 0 {
		return fmt.Errorf("no command configured")
	}

	d.cmd = exec.Command(d.command[0], d.command[1:]...)
	d.cmd.Env = d.env
	d.cmd.Dir = d.dir

	// exec copies both streams into the writer from its own goroutine, so the
	// child never blocks on a full pipe while nobody reads.
	var out io.Writer = d.buf
	if d.echo != nil {
		out = io.MultiWriter(d.buf, lenientWriter{d.echo})
	}
	d.cmd.Stdout = out
	d.cmd.Stderr = out
	d.cmd.WaitDelay = waitDelay
	setProcessGroup(d.cmd)

	d.state = StateStarting
	if err := d.cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitCode = -1
		d.exitErr = err.Error()
		close(d.done)
		return fmt.Errorf("starting %s: %w", d.command[0], err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()

	go d.wait()
	return nil
}

func (d *NativeDriver) wait() {
	err := d.cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}
	d.exitCode = -1
	if ps := d.cmd.ProcessState; ps != nil {
		d.exitCode = ps.ExitCode()
	}
	if err != nil && d.state == StateFailed {
		d.exitErr = err.Error()
	}
	close(d.done)
}

// Stop signals the whole process group with SIGTERM, then SIGKILL once
// timeout elapses or ctx is done.
func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	pid := d.cmd.Process.Pid
	d.mu.Unlock()

	_ = terminateGroup(pid)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.done:
		return nil
	case <-timer.C:
		_ = killGroup(pid)
		<-d.done
		return nil
	case <-ctx.Done():
		_ = killGroup(pid)
		<-d.done
		return ctx.Err()
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		Command:   strings.Join(d.command, " "),
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}
	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}
	return info
}

func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	started := d.cmd != nil
	d.mu.Unlock()
	if !started {
		return -1, fmt.Errorf("process not started")
	}
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) Exited() <-chan struct{} { return d.done }

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}

// OutputBytes returns the total number of output bytes drained so far.
func (d *NativeDriver) OutputBytes() int64 {
	return d.buf.Written()
}

// lenientWriter hides write errors so a closed echo target cannot stop the
// drain into the ring.
type lenientWriter struct{ w io.Writer }

func (l lenientWriter) Write(p []byte) (int, error) {
	_, _ = l.w.Write(p)
	return len(p), nil
}
