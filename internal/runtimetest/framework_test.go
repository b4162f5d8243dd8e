package runtimetest

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/module"
)

func TestFrameworkLifecycle(t *testing.T) {
	f := New()

	var mu sync.Mutex
	var seen []module.State
	cancel := f.Subscribe(func(ev module.Event) {
		if ev.Type == module.EventModule {
			mu.Lock()
			seen = append(seen, ev.Module.State)
			mu.Unlock()
		}
	})
	defer cancel()

	info, err := f.Install("loc-a", bytes.NewReader(Artifact("a", "1.0", HeaderProvideMarker, "ready.marker")))
	require.NoError(t, err)
	assert.Equal(t, module.StateResolved, info.State)
	assert.Equal(t, "a", info.SymbolicName)

	require.NoError(t, f.Start(info.ID))
	got, err := f.Module(info.ID)
	require.NoError(t, err)
	assert.Equal(t, module.StateActive, got.State)
	assert.Len(t, f.Capabilities("ready.marker"), 1)

	require.NoError(t, f.Uninstall(info.ID))
	_, err = f.Module(info.ID)
	assert.ErrorIs(t, err, module.ErrNotFound)
	assert.Empty(t, f.Capabilities("ready.marker"))
	assert.ErrorIs(t, f.Uninstall(info.ID), module.ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []module.State{
		module.StateInstalled, module.StateResolved, module.StateStarting,
		module.StateActive, module.StateUninstalled,
	}, seen)
}

func TestFrameworkActivationDelay(t *testing.T) {
	f := New(WithActivationDelay(50 * time.Millisecond))
	info, err := f.Install("loc", bytes.NewReader(Artifact("slow", "")))
	require.NoError(t, err)
	require.NoError(t, f.Start(info.ID))

	got, _ := f.Module(info.ID)
	assert.Equal(t, module.StateStarting, got.State)

	assert.Eventually(t, func() bool {
		got, _ := f.Module(info.ID)
		return got.State == module.StateActive
	}, time.Second, 10*time.Millisecond)
}

func TestFrameworkStuckAndFragments(t *testing.T) {
	f := New(WithStuck("stuck"))

	stuck, err := f.Install("s", bytes.NewReader(Artifact("stuck", "1")))
	require.NoError(t, err)
	require.NoError(t, f.Start(stuck.ID))
	got, _ := f.Module(stuck.ID)
	assert.Equal(t, module.StateStarting, got.State)

	frag, err := f.Install("f", bytes.NewReader(Fragment("frag", "stuck")))
	require.NoError(t, err)
	assert.True(t, frag.Fragment)
	assert.Error(t, f.Start(frag.ID))
}

func TestFrameworkRejectsInvalidArtifact(t *testing.T) {
	f := New()
	_, err := f.Install("bad", bytes.NewReader([]byte("garbage")))
	assert.ErrorIs(t, err, module.ErrInvalidArtifact)
}

func TestFrameworkModuleStartLevel(t *testing.T) {
	f := New()
	info, err := f.Install("loc", bytes.NewReader(Artifact("late", "1")))
	require.NoError(t, err)
	assert.Equal(t, DefaultModuleStartLevel, info.StartLevel)

	require.NoError(t, f.SetModuleStartLevel(info.ID, 3))
	require.NoError(t, f.Start(info.ID))
	got, _ := f.Module(info.ID)
	assert.Equal(t, module.StateResolved, got.State, "held back below its level")
	assert.Equal(t, 3, got.StartLevel)

	require.NoError(t, f.SetStartLevel(3))
	got, _ = f.Module(info.ID)
	assert.Equal(t, module.StateActive, got.State)

	require.NoError(t, f.SetStartLevel(2))
	got, _ = f.Module(info.ID)
	assert.Equal(t, module.StateResolved, got.State)

	require.NoError(t, f.SetModuleStartLevel(info.ID, 2))
	got, _ = f.Module(info.ID)
	assert.Equal(t, module.StateActive, got.State)

	require.NoError(t, f.Stop(info.ID))
	require.NoError(t, f.SetStartLevel(5))
	got, _ = f.Module(info.ID)
	assert.Equal(t, module.StateResolved, got.State, "stopped modules stay stopped")

	assert.Error(t, f.SetModuleStartLevel(info.ID, 0))
	assert.ErrorIs(t, f.SetModuleStartLevel(999, 2), module.ErrNotFound)
	assert.Equal(t, 3, f.Calls("set_module_start_level"))
}
