package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchKeyring reloads ring whenever the keys file at path is written or
// replaced. It blocks until ctx is done. A file that fails to parse is
// logged and the previous keys stay active.
func WatchKeyring(ctx context.Context, path string, ring *Keyring, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "keyring")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve keys path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and config managers replace the file
	// with a rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := reload(abs, ring); err != nil {
				logger.Warn("keyring reload failed", "path", abs, "error", err)
				continue
			}
			logger.Info("keyring reloaded", "path", abs, "keys", ring.Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("keyring watch error", "error", err)
		}
	}
}

func reload(path string, ring *Keyring) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	next, err := parseKeyring(data)
	if err != nil {
		return err
	}
	ring.Replace(next)
	return nil
}
