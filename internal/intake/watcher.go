package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls notify shortly after files are created, written or renamed in
// dir. Bursts of events within debounce collapse into one call. Polling stays
// the source of truth: Watch only shortens the wait for the next pass.
func Watch(ctx context.Context, dir string, debounce time.Duration, notify func(), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("close watcher", "error", err)
			}
		}()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		fire := func() {
			mu.Lock()
			defer mu.Unlock()
			if debounce <= 0 {
				notify()
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, notify)
		}

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					fire()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", "dir", dir, "error", err)
			}
		}
	}()
	return nil
}
