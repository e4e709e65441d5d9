package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// watchConfig calls onChange once events on path settle for debounce.
// The parent directory is watched, so editors replacing the file by rename
// are noticed too. The watcher lives until sctx stops.
func watchConfig(sctx *stopper.Context, path string, debounce time.Duration, onChange func()) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	var mx sync.Mutex
	var debouncer *time.Timer

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			_ = watcher.Close()
			mx.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mx.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				slog.DebugContext(sctx, "config file event", "file", event.Name, "op", event.Op.String())
				mx.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, func() {
					if !sctx.IsStopping() {
						onChange()
					}
				})
				mx.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				slog.WarnContext(sctx, "config watcher error", "error", err)
			}
		}
		return nil
	})
	return nil
}

// stoppingContext is cancelled once sctx begins to stop.
func stoppingContext(sctx *stopper.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(sctx)
	go func() {
		select {
		case <-sctx.Stopping():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
