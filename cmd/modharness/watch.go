package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// watchArtifacts calls redeploy for an artifact once its file has stopped
// changing for debounce. The parent directories are watched so that editors
// and build tools replacing the file are noticed too. It blocks until ctx is
// cancelled.
func watchArtifacts(ctx context.Context, arts []artifactFile, debounce time.Duration, redeploy func(context.Context, artifactFile) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	byPath := make(map[string]artifactFile, len(arts))
	for _, a := range arts {
		byPath[filepath.Clean(a.path)] = a
	}
	dirs := make(map[string]bool)
	for path := range byPath {
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
		dirs[dir] = true
	}

	// Redeploys run on this goroutine only, so they never overlap.
	fire := make(chan artifactFile)
	done := make(chan struct{})
	timers := make(map[string]*time.Timer)
	defer func() {
		close(done)
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			a, tracked := byPath[filepath.Clean(event.Name)]
			if !tracked || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("artifact changed", "file", event.Name, "op", event.Op)
			if t, ok := timers[a.path]; ok {
				t.Stop()
			}
			timers[a.path] = time.AfterFunc(debounce, func() {
				select {
				case fire <- a:
				case <-done:
				}
			})

		case a := <-fire:
			slog.Info("redeploying changed artifact", "name", a.name)
			if err := redeploy(ctx, a); err != nil {
				slog.Error("redeploy failed", "name", a.name, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("file watcher error", "error", err)
		}
	}
}
