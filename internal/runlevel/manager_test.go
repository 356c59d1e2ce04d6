// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runlevel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/service"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	runlevel  int
	teardown  bool
	stepCount int
	reloaded  []config.ServiceConfig
	infos     []service.Info
}

func (f *fakeSupervisor) SetRunlevel(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runlevel = n
}

func (f *fakeSupervisor) SetTeardown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardown = v
}

func (f *fakeSupervisor) StepAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepCount++
}

func (f *fakeSupervisor) Reload(cfgs []config.ServiceConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded = cfgs
}

func (f *fakeSupervisor) List() []service.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]service.Info, len(f.infos))
	copy(out, f.infos)
	return out
}

func (f *fakeSupervisor) setInfos(infos []service.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = infos
}

func newTestBus() *events.MemoryEventBus {
	return events.NewMemoryEventBus(events.MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Hour})
}

func newTestStore(t *testing.T) *cond.Store {
	t.Helper()
	store, err := cond.New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestManager_RequestReload(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newTestStore(t)
	bus := newTestBus()
	defer bus.Close()

	mgr := NewManager(sup, store, bus, 2)

	configs := []config.ServiceConfig{{Command: "nginx"}}
	require.NoError(t, mgr.RequestReload(context.Background(), configs))

	assert.Equal(t, StateIdle, mgr.State())
	assert.Equal(t, configs, sup.reloaded)
	assert.Equal(t, 0, sup.stepCount, "the SM calls sup.Reload, not sup.StepAll directly; a real Supervisor.Reload steps internally")

	history, err := bus.History(events.EventFilter{Types: []string{events.EventReloadStarted, events.EventReloadCompleted}})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestManager_RequestRunlevel_NoPendingStops(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newTestStore(t)
	bus := newTestBus()
	defer bus.Close()

	mgr := NewManager(sup, store, bus, 2)

	require.NoError(t, mgr.RequestRunlevel(context.Background(), 3))

	assert.Equal(t, StateIdle, mgr.State())
	assert.Equal(t, 3, mgr.Current())
	assert.True(t, sup.stepCount >= 2, "expected at least one teardown step and one startup step")
	assert.False(t, sup.teardown, "teardown flag must be cleared by the time the SM settles")
}

func TestManager_RequestRunlevel_NoOpSameLevel(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newTestStore(t)
	bus := newTestBus()
	defer bus.Close()

	mgr := NewManager(sup, store, bus, 2)

	require.NoError(t, mgr.RequestRunlevel(context.Background(), 2))

	assert.Equal(t, StateIdle, mgr.State())
	assert.Equal(t, 0, sup.stepCount)
}

func TestManager_RequestRunlevel_WaitsForStopping(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newTestStore(t)
	bus := newTestBus()
	defer bus.Close()

	sup.setInfos([]service.Info{{Ident: "nginx:1", State: "stopping"}})

	mgr := NewManager(sup, store, bus, 2)

	require.NoError(t, mgr.RequestRunlevel(context.Background(), 3))
	assert.Equal(t, StateTeardown, mgr.State(), "must wait while a teardown target is still stopping")

	sup.setInfos(nil)
	require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.EventServiceStopped, Service: "nginx:1"}))

	require.Eventually(t, func() bool {
		return mgr.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestManager_OnHalt(t *testing.T) {
	sup := &fakeSupervisor{}
	store := newTestStore(t)
	bus := newTestBus()
	defer bus.Close()

	mgr := NewManager(sup, store, bus, 2)

	halted := make(chan int, 1)
	mgr.OnHalt = func(n int) { halted <- n }

	require.NoError(t, mgr.RequestRunlevel(context.Background(), 0))

	select {
	case n := <-halted:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("OnHalt was not invoked for runlevel 0")
	}
}
