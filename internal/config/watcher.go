package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration file when it changes on disk. The reload
// callback receives the freshly parsed configuration; callbacks that reject
// it simply keep the previous snapshot.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)

	mu         sync.Mutex
	lastReload time.Time
	stop       chan struct{}
	stopped    bool
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		onReload: onReload,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching. Watches the parent directory so editors that
// replace the file via rename are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
	_ = w.watcher.Close()
}

// Reload forces a reload outside of a filesystem event, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debouncedReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// debouncedReload suppresses the event bursts editors produce on save.
func (w *Watcher) debouncedReload() {
	w.mu.Lock()
	if time.Since(w.lastReload) < 500*time.Millisecond {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	// Give the writer a moment to finish the file.
	time.Sleep(100 * time.Millisecond)
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}
	log.Info().Str("path", w.path).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
