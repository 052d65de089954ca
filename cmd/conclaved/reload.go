package main

import (
	"path/filepath"
	"time"

	"conclave/internal/event"
	"conclave/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// configReloader watches the YAML config file and re-applies the
// runtime-adjustable settings (currently the log level) when it changes.
// Structural settings like the port or database path need a restart.
type configReloader struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger
	bus     *event.Bus[event.ConfigEvent]
	done    chan struct{}
}

func newConfigReloader(path string, logger *logging.Logger, bus *event.Bus[event.ConfigEvent]) (*configReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors commonly replace the
	// file via rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	reloader := &configReloader{
		path:    path,
		watcher: watcher,
		logger:  logger,
		bus:     bus,
		done:    make(chan struct{}),
	}
	go reloader.run()
	return reloader, nil
}

func (r *configReloader) run() {
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-r.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case fsEvent, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(fsEvent.Name) != filepath.Clean(r.path) {
				continue
			}
			if !fsEvent.Has(fsnotify.Write) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watch error", map[string]string{"error": err.Error()})
		case <-pending:
			r.reload()
		}
	}
}

func (r *configReloader) reload() {
	cfg := Config{LogLevel: logging.LevelInfo}
	if err := applyFile(&cfg, r.path); err != nil {
		r.logger.Warn("config reload failed", map[string]string{
			"path":  r.path,
			"error": err.Error(),
		})
		return
	}

	r.logger.SetLevel(cfg.LogLevel)
	r.logger.Info("config reloaded", map[string]string{
		"path":      r.path,
		"log_level": string(cfg.LogLevel),
	})
	if r.bus != nil {
		r.bus.Publish(event.NewConfigEvent(r.path, "reloaded"))
	}
}

func (r *configReloader) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)
	return r.watcher.Close()
}
