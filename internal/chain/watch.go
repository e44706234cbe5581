package chain

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when the chain declaration changes on disk.
// Atomic writers rename over the file, so both Write and Create events are
// treated as a change.
type Watcher struct {
	registry *Registry
	logger   *slog.Logger
	fw       *fsnotify.Watcher
	done     chan struct{}
}

// Watch starts a watcher on the registry's declaration file. The parent
// directory is watched because rename-over replaces the inode.
func Watch(registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(registry.Path())); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		registry: registry,
		logger:   logger,
		fw:       fw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	target := filepath.Base(w.registry.Path())
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.registry.Reload(); err != nil {
				w.logger.Warn("chain reload failed", slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("chain declaration reloaded", slog.String("path", w.registry.Path()))
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("chain watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
