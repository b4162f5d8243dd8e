package wait

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// File waits until path exists. The parent directory must already exist; it is
// watched so the file is noticed as soon as it is created.
func File(ctx context.Context, o Options, path string) error {
	start := time.Now()
	path = filepath.Clean(path)
	if o.Awaiting == "" {
		o.Awaiting = "ready file " + path
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// The watch is in place, so a file created from here on produces an event.
	if _, err := os.Stat(path); err == nil {
		observeOK(o, start)
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	var lastErr error
	for {
		select {
		case <-tctx.Done():
			return expired(ctx, o, start, "file absent", lastErr)

		case event, ok := <-watcher.Events:
			if !ok {
				return expired(ctx, o, start, "watcher closed", lastErr)
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				observeOK(o, start)
				return nil
			}

		case err, ok := <-watcher.Errors:
			if ok {
				lastErr = err
			}
		}
	}
}
