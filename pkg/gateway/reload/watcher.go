// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/mcpgate/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher triggers a reload cycle when the configuration file changes on
// disk. It watches the parent directory rather than the file itself, since
// editors and config management tools typically replace the file by rename.
type Watcher struct {
	path        string
	coordinator *Coordinator
	debounce    time.Duration

	mu      sync.Mutex
	pending *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, coordinator *Coordinator) *Watcher {
	return &Watcher{
		path:        path,
		coordinator: coordinator,
		debounce:    defaultDebounce,
		done:        make(chan struct{}),
	}
}

// Start begins watching. Reloads run on a background goroutine until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.run(ctx)
	logger.Infow("watching configuration file", "path", w.path)
	return nil
}

// Stop halts the watch loop and cancels any pending reload.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Debounce: editors emit bursts of events per save, apply once.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		report, err := w.coordinator.ReloadFile(ctx, w.path)
		if err != nil {
			logger.Errorw("configuration reload failed", "path", w.path, "error", err)
			return
		}
		logger.Infow("configuration reloaded",
			"added", report.Added, "removed", report.Removed, "changed", report.Changed,
			"errors", len(report.Errors))
	})
}
