package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/endorses/oapxray/internal/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a plain secrets file into a store whenever it changes.
// Secrets already present are kept; removing a line does not remove the
// secret from the store.
type Watcher struct {
	path      string
	store     *Store
	onAdded   func(added int)
	fsWatcher *fsnotify.Watcher
	stopChan  chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// NewWatcher creates a watcher for path. onAdded, when non-nil, runs after a
// reload that added at least one new secret.
func NewWatcher(path string, store *Store, onAdded func(added int)) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		onAdded:  onAdded,
		stopChan: make(chan struct{}),
	}
}

// Start watches the file's directory, so the file may be created later or
// replaced by an editor's rename.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.fsWatcher = fsWatcher

	w.wg.Add(1)
	go w.loop(ctx)

	logger.Info("Watching secrets file", "path", w.path)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target, _ := filepath.Abs(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(event.Name)
			if name != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := w.Reload(); err != nil {
				logger.Warn("Failed to reload secrets file", "path", w.path, "error", err)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Secrets file watcher error", "error", err)
		}
	}
}

// Reload parses the file and adds any secrets the store does not have yet.
// It returns how many were new.
func (w *Watcher) Reload() (int, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	candidates, errs := ParseSecrets(f)
	for _, e := range errs {
		logger.Warn("Skipping secrets file entry", "file", w.path, "error", e)
	}

	before := w.store.Len()
	if _, err := w.store.AddAll(candidates); err != nil {
		return 0, err
	}
	added := w.store.Len() - before
	if added > 0 {
		logger.Info("Secrets file reloaded", "path", w.path, "added", added)
		if w.onAdded != nil {
			w.onAdded(added)
		}
	}
	return added, nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopChan)
		if w.fsWatcher != nil {
			if err := w.fsWatcher.Close(); err != nil {
				logger.Error("Failed to close file watcher", "error", err)
			}
		}
		w.wg.Wait()
	})
}
