package install

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/modharness/internal/api"
	"github.com/benaskins/modharness/internal/endpoint"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/runtimetest"
)

func localConn(t *testing.T, fw *runtimetest.Framework) endpoint.Conn {
	t.Helper()
	conn, err := endpoint.NewLocal(fw).Connect(context.Background(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func remoteConn(t *testing.T, fw *runtimetest.Framework) endpoint.Conn {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(fw).Handler())
	t.Cleanup(srv.Close)
	r, err := endpoint.NewRemote(srv.URL)
	require.NoError(t, err)
	conn, err := r.Connect(context.Background(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInstallAndStart(t *testing.T) {
	for name, connect := range map[string]func(*testing.T, *runtimetest.Framework) endpoint.Conn{
		"local":  localConn,
		"remote": remoteConn,
	} {
		t.Run(name, func(t *testing.T) {
			fw := runtimetest.New(runtimetest.WithActivationDelay(30 * time.Millisecond))
			conn := connect(t, fw)
			in := New(WithPollInterval(10 * time.Millisecond))

			h, err := in.Install(context.Background(), conn, Request{
				Name:     "testA",
				Artifact: runtimetest.Artifact("test.a", "1.0.0"),
				Start:    true,
				Timeout:  2 * time.Second,
			})
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(h.Location(), "modharness:testA?install="))

			info, err := fw.Module(h.ID())
			require.NoError(t, err)
			assert.Equal(t, module.StateActive, info.State)
		})
	}
}

func TestInstallLocationsAreUnique(t *testing.T) {
	fw := runtimetest.New()
	conn := localConn(t, fw)
	in := New()

	a, err := in.Install(context.Background(), conn, Request{Name: "same", Artifact: runtimetest.Artifact("x", "1")})
	require.NoError(t, err)
	b, err := in.Install(context.Background(), conn, Request{Name: "same", Artifact: runtimetest.Artifact("x", "1")})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, fw.Modules(), 2)
}

func TestInstallWithoutStartLeavesResolved(t *testing.T) {
	fw := runtimetest.New()
	h, err := New().Install(context.Background(), localConn(t, fw), Request{Name: "lib", Artifact: runtimetest.Artifact("lib", "1")})
	require.NoError(t, err)

	info, err := fw.Module(h.ID())
	require.NoError(t, err)
	assert.Equal(t, module.StateResolved, info.State)
}

func TestInstallInvalidArtifact(t *testing.T) {
	fw := runtimetest.New()
	_, err := New().Install(context.Background(), localConn(t, fw), Request{Name: "bad", Artifact: []byte("garbage")})

	var ie *module.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "bad", ie.Name)
	assert.ErrorIs(t, err, module.ErrInvalidArtifact)
	assert.Empty(t, fw.Modules())
}

func TestInstallActivationTimeoutRemovesModule(t *testing.T) {
	for name, connect := range map[string]func(*testing.T, *runtimetest.Framework) endpoint.Conn{
		"local":  localConn,
		"remote": remoteConn,
	} {
		t.Run(name, func(t *testing.T) {
			fw := runtimetest.New(runtimetest.WithStuck("stuck"))
			conn := connect(t, fw)
			in := New(WithPollInterval(10 * time.Millisecond))

			timeout := 150 * time.Millisecond
			start := time.Now()
			_, err := in.Install(context.Background(), conn, Request{
				Name:     "stuck",
				Artifact: runtimetest.Artifact("stuck", "1"),
				Start:    true,
				Timeout:  timeout,
			})
			elapsed := time.Since(start)

			var te *module.TimeoutError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, module.PhaseDeploy, te.Phase)
			assert.Equal(t, string(module.StateStarting), te.LastObserved)
			assert.Less(t, elapsed, timeout+time.Second)
			assert.Empty(t, fw.Modules(), "a failed deploy must not leave the module installed")
		})
	}
}

func TestInstallWithStartLevel(t *testing.T) {
	for name, connect := range map[string]func(*testing.T, *runtimetest.Framework) endpoint.Conn{
		"local":  localConn,
		"remote": remoteConn,
	} {
		t.Run(name, func(t *testing.T) {
			fw := runtimetest.New()
			conn := connect(t, fw)
			in := New(WithPollInterval(10 * time.Millisecond))

			time.AfterFunc(100*time.Millisecond, func() { _ = fw.SetStartLevel(4) })

			h, err := in.Install(context.Background(), conn, Request{
				Name:       "late",
				Artifact:   runtimetest.Artifact("late", "1"),
				Start:      true,
				StartLevel: 4,
				Timeout:    2 * time.Second,
			})
			require.NoError(t, err)

			info, err := fw.Module(h.ID())
			require.NoError(t, err)
			assert.Equal(t, 4, info.StartLevel)
			assert.Equal(t, module.StateActive, info.State)
		})
	}
}

func TestInstallStartLevelNeverReached(t *testing.T) {
	fw := runtimetest.New()
	conn := localConn(t, fw)
	in := New(WithPollInterval(10 * time.Millisecond))

	_, err := in.Install(context.Background(), conn, Request{
		Name:       "late",
		Artifact:   runtimetest.Artifact("late", "1"),
		Start:      true,
		StartLevel: 9,
		Timeout:    100 * time.Millisecond,
	})
	var te *module.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(module.StateResolved), te.LastObserved)
	assert.Empty(t, fw.Modules())
}

func TestUninstallIsIdempotent(t *testing.T) {
	var logs bytes.Buffer
	fw := runtimetest.New()
	conn := localConn(t, fw)
	in := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	h, err := in.Install(context.Background(), conn, Request{Name: "a", Artifact: runtimetest.Artifact("a", "1"), Start: true})
	require.NoError(t, err)

	require.NoError(t, in.Uninstall(context.Background(), conn, h))
	require.NoError(t, in.Uninstall(context.Background(), conn, h))
	assert.Equal(t, 1, fw.Calls("uninstall"), "second uninstall must not reach the runtime")
	assert.Contains(t, logs.String(), "module already uninstalled")
}

func TestUninstallForceRemoved(t *testing.T) {
	fw := runtimetest.New()
	conn := remoteConn(t, fw)
	in := New()

	h, err := in.Install(context.Background(), conn, Request{Name: "a", Artifact: runtimetest.Artifact("a", "1")})
	require.NoError(t, err)
	fw.ForceRemove(h.ID())

	assert.NoError(t, in.Uninstall(context.Background(), conn, h))
}

func TestUninstallConnectionLost(t *testing.T) {
	fw := runtimetest.New()
	conn := localConn(t, fw)
	in := New()

	h, err := in.Install(context.Background(), conn, Request{Name: "a", Artifact: runtimetest.Artifact("a", "1")})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = in.Uninstall(context.Background(), conn, h)
	assert.ErrorIs(t, err, module.ErrConnectionLost)
}

func TestInstallRemovedWhileAwaitingActive(t *testing.T) {
	for name, connect := range map[string]func(*testing.T, *runtimetest.Framework) endpoint.Conn{
		"local":  localConn,
		"remote": remoteConn,
	} {
		t.Run(name, func(t *testing.T) {
			fw := runtimetest.New(runtimetest.WithStuck("stuck"))
			conn := connect(t, fw)
			in := New(WithPollInterval(10 * time.Millisecond))

			go func() {
				time.Sleep(100 * time.Millisecond)
				if info, ok := fw.Find("stuck"); ok {
					_ = fw.Uninstall(info.ID)
				}
			}()

			start := time.Now()
			_, err := in.Install(context.Background(), conn, Request{
				Name:     "stuck",
				Artifact: runtimetest.Artifact("stuck", "1"),
				Start:    true,
				Timeout:  5 * time.Second,
			})
			assert.ErrorIs(t, err, module.ErrNotFound)
			var te *module.TimeoutError
			assert.False(t, errors.As(err, &te), "a removed module is not a timeout")
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestInstallCompletesWhenCallerGivesUp(t *testing.T) {
	fw := runtimetest.New()
	handler := api.NewServer(fw).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/modules" {
			time.Sleep(200 * time.Millisecond)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	r, err := endpoint.NewRemote(srv.URL)
	require.NoError(t, err)
	conn, err := r.Connect(context.Background(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	gone := errors.New("caller gone")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(gone) })

	_, err = New().Install(ctx, conn, Request{Name: "a", Artifact: runtimetest.Artifact("a", "1"), Start: true})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, fw.Calls("install"))
	assert.Empty(t, fw.Modules(), "the module installed after the caller left is removed")
}

func TestInstallAfterCancelDoesNothing(t *testing.T) {
	fw := runtimetest.New()
	conn := localConn(t, fw)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Install(ctx, conn, Request{Name: "a", Artifact: runtimetest.Artifact("a", "1")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fw.Calls("install"))
}
