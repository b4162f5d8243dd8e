//go:build unix

package driver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifySelf(t *testing.T) {
	id, err := Identify(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), id.PID)
	assert.NotEmpty(t, id.Name)
	assert.Positive(t, id.CreateTime)
	assert.True(t, VerifyProcess(context.Background(), id))
}

func TestVerifyProcessRejectsReusedPID(t *testing.T) {
	ctx := context.Background()
	id, err := Identify(ctx, os.Getpid())
	require.NoError(t, err)

	stale := id
	stale.CreateTime--
	assert.False(t, VerifyProcess(ctx, stale))

	renamed := id
	renamed.Name = "some-other-binary"
	assert.False(t, VerifyProcess(ctx, renamed))

	assert.True(t, VerifyProcess(ctx, Identity{PID: os.Getpid()}), "unknown identity is best effort")
}

func TestReap(t *testing.T) {
	d := NewNative(Config{Command: []string{"sleep", "60"}})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background(), time.Second) })

	id, err := Identify(context.Background(), d.Info().PID)
	require.NoError(t, err)

	reaped, err := Reap(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reaped)

	select {
	case <-d.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("reaped process still running")
	}
}

func TestReapSkipsMismatch(t *testing.T) {
	id, err := Identify(context.Background(), os.Getpid())
	require.NoError(t, err)
	id.CreateTime++

	reaped, err := Reap(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, reaped)
}
