package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads path whenever it changes and hands the new config to fn.
// Bursts of writes are debounced. The directory is watched rather than the
// file so editors that replace the file on save keep working. Watch returns
// once the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, log *zap.SugaredLogger, fn func(Config)) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if name, _ := filepath.Abs(event.Name); name != abs {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					cfg, err := Load(abs)
					if err != nil {
						log.Warnf("[config] reload %s: %v", abs, err)
						return
					}
					log.Infof("[config] reloaded %s", abs)
					fn(cfg)
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("[config] watcher: %v", err)
			}
		}
	}()
	return nil
}
