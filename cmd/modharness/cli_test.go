package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/lifecycle"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/runtimetest"
)

func TestArtifactFiles(t *testing.T) {
	arts, err := artifactFiles([]string{"build/one.jar", "lib/two-1.0.jar"})
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "one", arts[0].name)
	assert.Equal(t, "two-1.0", arts[1].name)
	assert.True(t, filepath.IsAbs(arts[0].path))

	_, err = artifactFiles([]string{"a/mod.jar", "b/mod.jar"})
	assert.Error(t, err)
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("mode: embedded\n"), 0644))
	require.NoError(t, os.WriteFile(bad, []byte("mode: embedded\nbogus_key: 1\n"), 0644))

	files, err := configFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	results := checkFiles([]string{good, bad})
	assert.True(t, results[0].Valid)
	assert.Equal(t, "embedded", results[0].Mode)
	assert.False(t, results[1].Valid)
	assert.NotEmpty(t, results[1].Error)
}

func TestInspectArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.jar")
	require.NoError(t, os.WriteFile(path, runtimetest.Fragment("org.example.frag", "org.example.host"), 0644))

	s, err := inspectArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "org.example.frag", s.SymbolicName)
	assert.Equal(t, "1.0.0", s.Version)
	assert.Equal(t, "org.example.host", s.FragmentHost)

	junk := filepath.Join(t.TempDir(), "junk.jar")
	require.NoError(t, os.WriteFile(junk, []byte("nope"), 0644))
	_, err = inspectArtifact(junk)
	assert.Error(t, err)
}

func TestWatchArtifactsDebouncesRedeploy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.jar")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))
	other := filepath.Join(dir, "unrelated.txt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redeployed := make(chan string, 10)
	errc := make(chan error, 1)
	go func() {
		errc <- watchArtifacts(ctx, []artifactFile{{name: "mod", path: path}}, 100*time.Millisecond,
			func(_ context.Context, a artifactFile) error {
				redeployed <- a.name
				return nil
			})
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	for _, v := range []string{"v2", "v3", "v4"} {
		require.NoError(t, os.WriteFile(path, []byte(v), 0644))
	}
	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))

	select {
	case name := <-redeployed:
		assert.Equal(t, "mod", name)
	case <-time.After(3 * time.Second):
		t.Fatal("no redeploy after artifact change")
	}
	select {
	case <-redeployed:
		t.Fatal("burst of writes must redeploy once")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-errc)
}

func TestDeployFileAppliesModuleStartLevel(t *testing.T) {
	fw := runtimetest.New()
	cfg := &config.Config{Mode: config.ModeEmbedded}
	cfg.ApplyDefaults()
	m := lifecycle.New(cfg,
		lifecycle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lifecycle.WithFramework(func(context.Context, *config.Config) (module.Framework, error) { return fw, nil }),
	)
	t.Cleanup(func() { m.Stop(context.Background()) })
	require.NoError(t, m.Start(context.Background()))

	path := filepath.Join(t.TempDir(), "late.jar")
	require.NoError(t, os.WriteFile(path, runtimetest.Artifact("org.example.late", "1.0.0"), 0644))
	a := artifactFile{name: "late", path: path}

	require.NoError(t, deployFile(context.Background(), m, a, lifecycle.DeployOptions{StartLevel: 6}))
	info, ok := fw.Find("org.example.late")
	require.True(t, ok)
	assert.Equal(t, 6, info.StartLevel)
	assert.Equal(t, module.StateResolved, info.State)

	out := moduleTable([]module.Info{info}, map[int64]string{info.ID: "late"})
	assert.True(t, strings.Contains(out, "LEVEL"))
	assert.Equal(t, "6", startLevel(info.StartLevel))
	assert.Equal(t, "-", startLevel(0))
}
