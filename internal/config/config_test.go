package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/keychain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modharness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManagedConfig(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	path := writeConfig(t, `
mode: managed
home: `+home+`
command: [bin/runtime, --clean]
args: [-Dharness=true]
address: http://127.0.0.1:0
credentials:
  username: karaf
  password: karaf
timeouts:
  connect: 45s
  stop: 5s
poll_interval: 250ms
start_level: 100
marker_capabilities: org.example.Ready, org.example.Other
bootstrap:
  symbolic_name: harness.bootstrap
autostart: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeManaged, cfg.Mode)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Stop.Duration)
	assert.Equal(t, DefaultTimeout, cfg.Timeouts.Bootstrap.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.Duration)
	assert.Equal(t, StringList{"org.example.Ready", "org.example.Other"}, cfg.MarkerCapabilities)
	assert.False(t, cfg.AutostartEnabled())

	exe, args := cfg.LaunchCommand()
	assert.Equal(t, filepath.Join(home, "bin/runtime"), exe)
	assert.Equal(t, []string{"--clean", "-Dharness=true"}, args)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/modharness.yaml")
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, cfg.Mode)
	assert.Equal(t, DefaultAddress, cfg.Address)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval.Duration)
	assert.True(t, cfg.AutostartEnabled())
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, cfg.Mode)
}

func TestMarkerCapabilitiesSequence(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte("marker_capabilities:\n  - a\n  - b\n"))
	require.NoError(t, err)
	assert.Equal(t, StringList{"a", "b"}, cfg.MarkerCapabilities)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "mode: remote\nbogus: 1\n", "bogus"},
		{"unknown mode", "mode: sideways\n", "unknown mode"},
		{"managed without home", "mode: managed\ncommand: [x]\n", "requires home"},
		{"managed missing home", "mode: managed\nhome: /definitely/not/here\ncommand: [x]\n", "not a valid directory"},
		{"container without image", "mode: container\n", "container.image"},
		{"container bad port", "mode: container\ncontainer:\n  image: rt\n  ports: [not-a-port]\n", "container.ports[0]"},
		{"bad address", "address: ftp://host\n", "http(s) URL"},
		{"port zero outside managed", "address: http://127.0.0.1:0\n", "port 0"},
		{"bad duration", "timeouts:\n  connect: soon\n", "invalid duration"},
		{"both password sources", "credentials:\n  password: a\n  keychain: b\n", "mutually exclusive"},
		{"negative start level", "start_level: -1\n", "start_level"},
		{"missing bootstrap file", "bootstrap:\n  path: /no/such/bootstrap.jar\n", "bootstrap.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLaunchEnv(t *testing.T) {
	t.Parallel()
	cfg := &Config{Home: "/opt/runtime", Env: map[string]string{"JAVA_OPTS": "-Xmx1g"}}
	env := cfg.LaunchEnv("127.0.0.1:9000")
	assert.Contains(t, env, "JAVA_OPTS=-Xmx1g")
	assert.Contains(t, env, EnvManagementAddr+"=127.0.0.1:9000")
	assert.Contains(t, env, EnvHome+"=/opt/runtime")
}

func TestCredentialsResolve(t *testing.T) {
	t.Parallel()
	store := keychain.NewMemoryStore()
	require.NoError(t, store.Set("runtime/admin", "s3cret"))

	user, pass, err := Credentials{Username: "admin", Keychain: "runtime/admin"}.Resolve(store)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cret", pass)

	_, _, err = Credentials{Keychain: "missing"}.Resolve(store)
	assert.ErrorIs(t, err, keychain.ErrNotFound)

	user, pass, err = Credentials{Username: "karaf", Password: "karaf"}.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, "karaf", user)
	assert.Equal(t, "karaf", pass)
}
