package nodetype

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nainya/contentstore/internal/logger"
)

// reloadDelay coalesces bursts of editor writes into one reload
const reloadDelay = 250 * time.Millisecond

// Watch re-registers the definitions of dir whenever a definition file
// changes, with updates allowed. It blocks until ctx is done.
func Watch(ctx context.Context, reg *Registry, dir string, log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			reload(reg, dir, log)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("node type watcher error").Err(err).Str("dir", dir).Send()
		}
	}
}

func reload(reg *Registry, dir string, log *logger.Logger) {
	defs, err := LoadDir(dir)
	if err != nil {
		log.Error("failed to load node type definitions").Err(err).Str("dir", dir).Send()
		return
	}
	if _, err := reg.RegisterAll(defs, true); err != nil {
		log.Error("failed to register node type definitions").Err(err).Str("dir", dir).Send()
		return
	}
	log.Info("node type definitions reloaded").
		Str("dir", dir).
		Int("count", len(defs)).
		Uint64("generation", reg.Snapshot().Generation()).
		Send()
}
