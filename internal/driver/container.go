//go:build !nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/benaskins/modharness/internal/logbuf"
)

// LabelOwner marks containers started by the harness with the id of the
// manager that owns them.
const LabelOwner = "io.modharness.owner"

// ContainerConfig configures a runtime packaged as a container image.
type ContainerConfig struct {
	Config
	Image       string
	NetworkMode string            // "host", "bridge", etc. Default: "host"
	Volumes     map[string]string // host path to container path
	// Ports are docker-style publish specs. Ignored on the host network.
	Ports []string
}

// ContainerDriver manages a runtime running in a Docker container.
type ContainerDriver struct {
	cfg ContainerConfig

	mu          sync.Mutex
	closeOnce   sync.Once
	client      *dockerclient.Client
	containerID string
	started     bool
	removed     bool
	state       State
	startedAt   time.Time
	exitCode    int
	exitErr     string
	buf         *logbuf.Ring
	done        chan struct{}
}

// NewContainer creates a container driver using the Docker environment
// settings (DOCKER_HOST and friends).
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "host"
	}
	if cfg.Name == "" {
		cfg.Name = "runtime"
	}

	return &ContainerDriver{
		cfg:    cfg,
		client: cli,
		state:  StateStopped,
		buf:    logbuf.New(bufSize),
		done:   make(chan struct{}),
	}, nil
}

func (d *ContainerDriver) containerName() string {
	return "modharness-" + d.cfg.Name
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("container already started")
	}
	d.started = true
	d.state = StateStarting

	name := d.containerName()
	// A container left over from a crashed harness would block the name.
	_ = d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	exposed, bindings, err := publishedPorts(d.cfg.NetworkMode, d.cfg.Ports)
	if err != nil {
		d.fail(err)
		return err
	}
	config := &container.Config{
		Image:        d.cfg.Image,
		Env:          d.cfg.Env,
		Cmd:          d.cfg.Command,
		WorkingDir:   d.cfg.Dir,
		Labels:       map[string]string{LabelOwner: d.cfg.Name},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(d.cfg.NetworkMode),
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}
	for host, cont := range d.cfg.Volumes {
		hostConfig.Binds = append(hostConfig.Binds, host+":"+cont)
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		d.fail(err)
		return fmt.Errorf("creating container: %w", err)
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), d.containerID, container.RemoveOptions{Force: true})
		d.removed = true
		d.fail(err)
		return fmt.Errorf("starting container: %w", err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()

	go d.streamLogs(d.containerID)
	go d.waitForExit(d.containerID)
	return nil
}

// publishedPorts turns publish specs into the exposed set and bindings Docker
// expects. The host network shares the host's ports, so nothing is published.
func publishedPorts(networkMode string, specs []string) (nat.PortSet, nat.PortMap, error) {
	if networkMode == "host" || len(specs) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, spec := range specs {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("port %q: %w", spec, err)
		}
		for _, mp := range mappings {
			exposed[mp.Port] = struct{}{}
			bindings[mp.Port] = append(bindings[mp.Port], mp.Binding)
		}
	}
	return exposed, bindings, nil
}

// fail records a start failure. Callers hold d.mu.
func (d *ContainerDriver) fail(err error) {
	d.state = StateFailed
	d.exitCode = -1
	d.exitErr = err.Error()
	close(d.done)
	d.closeClient()
}

// Stop stops a running container and removes it, including one that already
// exited on its own.
func (d *ContainerDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	id := d.containerID
	running := d.state == StateRunning
	if running {
		d.state = StateStopping
	}
	if id == "" || d.removed {
		d.mu.Unlock()
		return nil
	}
	d.removed = true
	d.mu.Unlock()
	defer d.closeClient()

	if running {
		// Docker sends SIGTERM and escalates to SIGKILL after the timeout.
		timeoutSec := int(timeout.Seconds())
		_ = d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSec})
		select {
		case <-d.done:
		case <-time.After(timeout + 10*time.Second):
		case <-ctx.Done():
		}
	}

	err := d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return ctx.Err()
}

func (d *ContainerDriver) closeClient() {
	d.closeOnce.Do(func() {
		d.client.Close()
	})
}

func (d *ContainerDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		Command:   d.cfg.Image + " " + strings.Join(d.cfg.Command, " "),
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}
}

func (d *ContainerDriver) Wait() (int, error) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return -1, fmt.Errorf("container not started")
	}
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *ContainerDriver) Exited() <-chan struct{} { return d.done }

func (d *ContainerDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}

// ContainerID returns the Docker container ID.
func (d *ContainerDriver) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}

func (d *ContainerDriver) streamLogs(id string) {
	reader, err := d.client.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer reader.Close()

	var out io.Writer = d.buf
	if d.cfg.Echo != nil {
		out = io.MultiWriter(d.buf, lenientWriter{d.cfg.Echo})
	}
	// Docker multiplexes both streams with frame headers; StdCopy strips them.
	_, _ = stdcopy.StdCopy(out, out, reader)
}

func (d *ContainerDriver) waitForExit(id string) {
	statusCh, errCh := d.client.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)

	var (
		code   = -1
		errMsg string
	)
	select {
	case err := <-errCh:
		if err != nil {
			errMsg = err.Error()
		}
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			errMsg = status.Error.Message
		}
	}

	d.mu.Lock()
	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
		if errMsg == "" {
			errMsg = fmt.Sprintf("container exited with code %d", code)
		}
	}
	d.exitCode = code
	d.exitErr = errMsg
	close(d.done)
	d.mu.Unlock()
}
