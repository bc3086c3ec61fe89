package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"cruncher/internal/logging"
)

// watchDebounce coalesces the bursts of events editors produce on save.
var watchDebounce = 250 * time.Millisecond

// Watch calls onChange after the file at path is written, created or
// replaced, until ctx is done. The parent directory is watched so that
// atomic rename saves are seen. Events within the debounce window are
// coalesced into one call.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	logger = logging.Default(logger).With("component", "config", "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify error", "error", err)

		case <-timer.C:
			logger.Info("config file changed")
			onChange()
		}
	}
}
