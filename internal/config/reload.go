package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// WatchFile calls onChange with the freshly loaded configuration each time
// the file at path is written, created or renamed over. The parent
// directory is watched so that atomic-rename saves are seen. A file that
// fails to load is logged and skipped. WatchFile blocks until ctx is done.
func WatchFile(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			cfg, err := LoadFile(abs)
			if err != nil {
				logger.Warn("config: reload failed", "path", abs, "error", err)
				continue
			}
			logger.Info("config: reloaded", "path", abs, "pages", len(cfg.Pages))
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watch error", "error", err)
		}
	}
}
