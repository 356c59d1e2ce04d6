// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hongkongkiwi/servisor/internal/events"
)

// CondWatcher watches the condition store's usr/ subtree (spec.md §6:
// "user-asserted conditions, writable by the client tool") and emits a
// debounced condition.changed event whenever servisorctl's `cond
// set`/`cond clear` writes or removes an entry there, so the supervisor
// re-steps promptly instead of waiting for the next unrelated
// transition. Grounded on the same fsnotify plumbing as
// DescriptorWatcher, generalized to a different directory and event
// type.
type CondWatcher struct {
	mu        sync.RWMutex
	bus       events.EventBus
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	dir       string
	closed    bool
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewCondWatcher creates a watcher over the usr/ subdirectory of
// condDir, debouncing change notifications by the given duration.
func NewCondWatcher(bus events.EventBus, condDir string, debounce time.Duration) (*CondWatcher, error) {
	usrDir := filepath.Join(condDir, "usr")

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(usrDir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", usrDir, err)
	}

	w := &CondWatcher{
		bus:       bus,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounce),
		dir:       usrDir,
		closeCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Close stops the watcher and releases resources.
func (w *CondWatcher) Close() error {
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

func (w *CondWatcher) processEvents() {
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

const condDebounceKey = "cond-usr-dir"

func (w *CondWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return
	}

	w.debouncer.Debounce(condDebounceKey, func() {
		if w.bus == nil {
			return
		}
		w.bus.Publish(context.Background(), events.Event{
			Type: events.EventConditionChanged,
			Payload: map[string]interface{}{
				"dir":  w.dir,
				"path": event.Name,
			},
		})
	})
}
