package repocache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the registry document when it is edited outside the
// manager, for example by an operator fixing a URL by hand.
type Watcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher creates a watcher over the manager's registry file.
func NewWatcher(manager *Manager, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory, not the file: atomic renames replace the inode.
	if err := fw.Add(filepath.Dir(manager.RegistryPath())); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch registry directory: %w", err)
	}

	return &Watcher{
		manager: manager,
		watcher: fw,
		logger:  logger.With().Str("component", "repocache-watcher").Logger(),
	}, nil
}

// Run processes events until the context is cancelled. Reloads are debounced
// so editor write bursts trigger a single reload.
func (w *Watcher) Run(ctx context.Context) {
	const reloadDelay = 500 * time.Millisecond
	var reloadTimer *time.Timer

	registryFile := filepath.Base(w.manager.RegistryPath())

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != registryFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Registry file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := w.manager.Reload(); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload registry")
					return
				}
				w.logger.Info().Msg("Registry reloaded")
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
