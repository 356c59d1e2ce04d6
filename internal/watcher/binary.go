// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package watcher watches the service descriptor directory for changes
// and requests a reconfiguration when a *.hjson file is added, modified,
// or removed.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hongkongkiwi/servisor/internal/events"
)

// DescriptorWatcher watches a service descriptor directory and emits a
// debounced reload request whenever its contents change. Grounded on the
// teacher's internal/watcher/binary.go fsnotify plumbing, generalized
// from per-service binary-path watching to whole-directory descriptor
// watching: one directory, one debounced "something changed" signal,
// rather than per-service ref-counted path watches.
type DescriptorWatcher struct {
	mu        sync.RWMutex
	bus       events.EventBus
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	dir       string
	closed    bool
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewDescriptorWatcher creates a watcher over dir, debouncing change
// notifications by the given duration.
func NewDescriptorWatcher(bus events.EventBus, dir string, debounce time.Duration) (*DescriptorWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	if err := fsWatcher.Add(absDir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", absDir, err)
	}

	w := &DescriptorWatcher{
		bus:       bus,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounce),
		dir:       absDir,
		closeCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// SetDebounce sets the debounce duration.
func (w *DescriptorWatcher) SetDebounce(d time.Duration) {
	w.debouncer.SetDuration(d)
}

// Dir returns the watched directory.
func (w *DescriptorWatcher) Dir() string {
	return w.dir
}

// Close stops the watcher and releases resources.
func (w *DescriptorWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.debouncer.Stop()
	w.watcher.Close()
	w.wg.Wait()

	return nil
}

func (w *DescriptorWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

const debounceKey = "descriptor-dir"

func (w *DescriptorWatcher) handleEvent(event fsnotify.Event) {
	// Chmod fires spuriously (e.g. on editors that rewrite permissions);
	// it carries no content change, so chmod-only events are excluded.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !strings.HasSuffix(event.Name, ".hjson") {
		return
	}

	w.debouncer.Debounce(debounceKey, func() {
		if w.bus == nil {
			return
		}
		w.bus.Publish(context.Background(), events.Event{
			Type: events.EventDescriptorChanged,
			Payload: map[string]interface{}{
				"dir":  w.dir,
				"path": event.Name,
			},
		})
	})
}
