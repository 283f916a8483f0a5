package pec

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/darkdragonsastro/mountcore/internal/config"
)

// WatchDirectory watches dir for PEC file writes and reloads the matching
// master table (through LoadWorm or LoadFull) without requiring a core
// restart. wormPath and fullPath select which files in dir
// (if any) are treated as the worm and 360° masters; either may be empty.
func (e *Engine) WatchDirectory(ctx context.Context, dir, wormPath, fullPath string, snap *config.Snapshot) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				e.reloadOnEvent(event.Name, wormPath, fullPath, snap)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("pec: watch error: %v", err)
			}
		}
	}()

	return nil
}

func (e *Engine) reloadOnEvent(changed, wormPath, fullPath string, snap *config.Snapshot) {
	switch {
	case wormPath != "" && samePath(changed, wormPath):
		if err := e.LoadWorm(wormPath, snap); err != nil {
			log.Printf("pec: reload worm table: %v", err)
		} else {
			log.Printf("pec: reloaded worm table from %s", wormPath)
		}
	case fullPath != "" && samePath(changed, fullPath):
		if err := e.LoadFull(fullPath, snap); err != nil {
			log.Printf("pec: reload 360 table: %v", err)
		} else {
			log.Printf("pec: reloaded 360 table from %s", fullPath)
		}
	}
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return aa == bb
}
