package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces (truncate, write, rename, chmod) into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the Holder's config when its file changes on disk. The
// watch is placed on the containing directory because most editors replace
// the file via rename, which drops a watch on the file itself. A reload
// that fails validation keeps the previous config and logs the problem.
// onReload, if non-nil, runs after each successful reload. Blocks until ctx
// is cancelled.
func Watch(ctx context.Context, holder *Holder, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	defer watcher.Close()

	dir := filepath.Dir(holder.Path())
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(holder.Path())

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Restartable debounce: the reload fires once the burst settles.
			if timer == nil {
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-reload:
			timer = nil

			cfg, loadErr := Load(holder.Path())
			if loadErr != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", holder.Path()),
					slog.String("error", loadErr.Error()),
				)

				continue
			}

			holder.Update(cfg)
			logger.Info("config reloaded", slog.String("path", holder.Path()))

			if onReload != nil {
				onReload(cfg)
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
