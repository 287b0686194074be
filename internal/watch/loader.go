package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader watches the config file and invokes a callback when it changes,
// so watch rules and rate-limit overrides pick up edits without a
// restart.
type Loader struct {
	logger *slog.Logger

	// watcher state
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a config watcher.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger.With("component", "watch.Loader"),
	}
}

// WatchConfig starts an fsnotify watcher on the given config file path.
// When the file is modified, the onReload callback is invoked with the
// absolute path of the changed file. Call StopWatch to clean up.
func (l *Loader) WatchConfig(configPath string, onReload func(path string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stop any existing watcher.
	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor rename-and-replace
	// patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

// watchLoop is the background goroutine that processes fsnotify events.
func (l *Loader) watchLoop(targetPath string, onReload func(string)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			// Only react to writes or creates of the target file.
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("config file changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		// Wait for the goroutine to exit.
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
