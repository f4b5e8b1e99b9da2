package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ThresholdsWatcher monitors the thresholds file for changes and hot-reloads
// the threshold table without restarting the process.
type ThresholdsWatcher struct {
	path       string
	thresholds *Thresholds
	watcher    *fsnotify.Watcher
	stopChan   chan struct{}
}

// NewThresholdsWatcher creates a watcher for the given thresholds file.
func NewThresholdsWatcher(path string, thresholds *Thresholds) (*ThresholdsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ThresholdsWatcher{
		path:       path,
		thresholds: thresholds,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins watching the thresholds file's directory. Editors typically
// replace files on save, so the directory is watched rather than the file.
func (w *ThresholdsWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	log.Info().Str("path", w.path).Msg("Watching thresholds file for changes")
	return nil
}

// Stop stops the watcher.
func (w *ThresholdsWatcher) Stop() {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	_ = w.watcher.Close()
}

func (w *ThresholdsWatcher) loop() {
	// Debounce bursts of write events from editors and atomic renames.
	var pending <-chan time.Time

	for {
		select {
		case <-w.stopChan:
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
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Thresholds watcher error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *ThresholdsWatcher) reload() {
	values, err := LoadThresholdsFile(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Thresholds reload failed, keeping previous table")
		return
	}
	w.thresholds.Replace(values)
	log.Info().Int("thresholds", len(values)).Str("path", w.path).Msg("Thresholds reloaded")
}
