package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces editor write bursts into a single reload.
const debounceDelay = time.Second

// Watcher reloads the config file when it changes on disk. Reload events
// are debounced, and reloads whose parsed content hashes the same as the
// current config are skipped.
type Watcher struct {
	path     string
	onChange func(*Config)

	fw *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	lastHash string

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher prepares a watcher for path. current seeds change detection
// so a touch that does not alter content never fires onChange.
func NewWatcher(path string, current *Config, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		path:     path,
		onChange: onChange,
		fw:       fw,
		done:     make(chan struct{}),
	}
	if current != nil {
		w.lastHash = current.Hash()
	}
	return w, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself because many editors replace files on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go w.loop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

// reload parses the file and notifies the subscriber. Parse failures
// keep the previous config in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	hash := cfg.Hash()
	w.mu.Lock()
	unchanged := hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()

	if unchanged {
		slog.Debug("config unchanged, skipping reload", "hash", hash)
		return
	}

	slog.Info("config reloaded", "path", w.path, "hash", hash)
	w.onChange(cfg)
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fw.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}
