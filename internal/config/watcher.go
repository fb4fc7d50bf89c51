package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zmgate/streaming-server/internal/logger"
)

// Watcher re-reads a config file when it changes on disk and notifies
// handlers with a fresh snapshot. Used to pick up retention and segment
// tuning without a restart; handlers must tolerate being called from the
// watcher goroutine.
type Watcher struct {
	path     string
	debounce time.Duration

	mu       sync.Mutex
	handlers []func(Config)

	fsw  *fsnotify.Watcher
	stop chan struct{}
}

// NewWatcher creates a watcher for one config file. Call Start to begin
// watching.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:     path,
		debounce: time.Second,
		stop:     make(chan struct{}),
	}
}

// OnReload registers a handler invoked with each fresh config.
func (w *Watcher) OnReload(handler func(Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, handler)
	w.mu.Unlock()
}

// Start begins watching. Returns an error if the file cannot be watched.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	logger.Info("Config", "Watching %s for changes", w.path)
	go w.run()
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Writes and creates; editors often replace the file.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			cfg, err := LoadFile(w.path)
			if err != nil {
				logger.Warn("Config", "Reload failed: %v", err)
				continue
			}
			logger.Info("Config", "Configuration reloaded")
			w.mu.Lock()
			handlers := append(make([]func(Config), 0, len(w.handlers)), w.handlers...)
			w.mu.Unlock()
			for _, h := range handlers {
				h(cfg)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Config", "Watch error: %v", err)
		}
	}
}
