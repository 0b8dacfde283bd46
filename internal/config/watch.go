package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("callhub/config")

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid config to apply.
// Invalid files are logged and skipped; the previous config stays in effect.
// The directory is watched rather than the file so atomic-rename saves are seen.
// Watch returns once the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	name := filepath.Clean(path)
	debounced := debounce.New(reloadDelay)
	reload := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			log.Warnw("config reload rejected", "path", path, "err", err)
			return
		}
		log.Infow("config reloaded", "path", path)
		apply(cfg)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					debounced(reload)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnw("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
