package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atomrun/atomrun/pkg/telemetry"
)

// Watcher reloads the configuration when its file changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger
}

// NewWatcher creates a watcher over one config file.
func NewWatcher(path string, logger *telemetry.Logger) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger.NewComponentLogger("config.watcher"),
	}, nil
}

// Watch blocks processing change events until ctx is cancelled, invoking
// onChange with each successfully reloaded configuration. Reloads are
// debounced; a file that fails to parse keeps the previous configuration.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) {
	defer w.watcher.Close()

	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("config file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error().Err(err).Msg("failed to reload config, keeping previous")
					return
				}
				w.logger.Info().Msg("config reloaded")
				onChange(cfg)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}
