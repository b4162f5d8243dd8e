//go:build integration && !nocontainer

package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// Integration tests require a reachable Docker daemon.
// Run with: go test -tags integration ./internal/driver/ -run TestContainer

func newTestContainer(t *testing.T, name string, cmd ...string) *ContainerDriver {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	d, err := NewContainer(ContainerConfig{
		Config:      Config{Name: name, Command: cmd, Env: []string{"GREETING=hello-modharness"}},
		Image:       "alpine:latest",
		NetworkMode: "bridge",
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop(context.Background(), time.Second) })
	return d
}

func TestContainerStartStop(t *testing.T) {
	d := newTestContainer(t, "test-start-stop", "sleep", "60")
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateRunning, d.Info().State)
	assert.NotEmpty(t, d.ContainerID())

	require.NoError(t, d.Stop(ctx, 5*time.Second))
	assert.Equal(t, StateStopped, d.Info().State)
}

func TestContainerOutputAndExit(t *testing.T) {
	d := newTestContainer(t, "test-output", "sh", "-c", "echo $GREETING; exit 4")
	require.NoError(t, d.Start(context.Background()))

	select {
	case <-d.Exited():
	case <-time.After(30 * time.Second):
		t.Fatal("container did not exit")
	}
	code, err := d.Wait()
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, StateFailed, d.Info().State)

	require.Eventually(t, func() bool {
		lines := d.LogLines(10)
		return len(lines) > 0 && lines[0] == "hello-modharness"
	}, 5*time.Second, 50*time.Millisecond)
}
