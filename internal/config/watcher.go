package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/logging"
)

// Watcher re-loads the config file on change and hands the parsed result to a
// callback. Only the hot-reloadable subset should be applied by the callback;
// listener and protocol settings require a restart.
type Watcher struct {
	path    string
	loader  *Loader
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
	done    chan struct{}
}

// NewWatcher starts watching path. onLoad runs on every successful parse.
func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config maps replace the file atomically,
	// which unregisters a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		loader:  NewLoader(),
		watcher: fw,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := w.loader.Load(w.path)
			if err != nil {
				logging.Warn("config reload skipped", zap.String("path", w.path), zap.Error(err))
				continue
			}
			logging.Info("config reloaded", zap.String("path", w.path))
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
