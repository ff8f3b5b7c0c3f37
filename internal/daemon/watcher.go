package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dopejs/keepsync/internal/logging"
)

// ConfigWatcher calls onReload after the config file changes. Bursts of
// events from one save are coalesced.
type ConfigWatcher struct {
	path     string
	onReload func()
	settle   time.Duration
	logger   *zap.SugaredLogger
}

// NewConfigWatcher watches path.
func NewConfigWatcher(path string, onReload func(), logger *zap.SugaredLogger) *ConfigWatcher {
	return &ConfigWatcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		settle:   250 * time.Millisecond,
		logger:   logging.Component(logger, "config-watch"),
	}
}

// Run blocks until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}
	defer fw.Close()
	// The directory, not the file: editors replace it on save.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrap(err, "watch config dir")
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			fire = time.After(w.settle)
		case <-fire:
			fire = nil
			w.logger.Infow("config file modified, reloading", "path", w.path)
			w.onReload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("config watch error", logging.FieldError, err)
		}
	}
}
