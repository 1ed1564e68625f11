package worldcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the cache whenever the file changes on disk, until ctx is
// done. A reload that fails keeps the previous contents.
func (c *Cache) Watch(ctx context.Context) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// the directory is watched so atomic renames are seen
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go c.watchLoop(ctx, watcher)
	return nil
}

func (c *Cache) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	name := filepath.Base(c.path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			c.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("World cache watcher error", slog.Any("error", err))
		}
	}
}

func (c *Cache) reload() {
	f, err := c.read()
	if err != nil {
		c.logger.Warn("Ignoring unreadable world cache update", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.data = f
	c.mu.Unlock()
	c.logger.Info("World cache reloaded", slog.Int("worlds", len(f.Worlds)))
}
