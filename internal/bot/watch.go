package bot

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// watchPlugins refreshes the registry when the plugin directory
// changes. Editors fire bursts of events per save, so refreshes are
// debounced.
func (b *Bot) watchPlugins(ctx context.Context) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bot: plugin watcher: %w", err)
	}
	if err := w.Add(b.cfg.Plugins.Dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("bot: watching %s: %w", b.cfg.Plugins.Dir, err)
	}

	go func() {
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		pending := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(watchDebounce, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(watchDebounce)
				}
			case <-pending:
				timer = nil
				if err := b.RefreshPlugins(); err != nil {
					log.Printf("bot: plugin refresh: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("bot: plugin watcher: %v", err)
			}
		}
	}()
	return func() { _ = w.Close() }, nil
}
