// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runlevel

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/service"
)

// Supervisor is the subset of *service.Supervisor the global SM drives.
// Expressed as an interface so tests can exercise the FSM wiring against
// a lightweight fake instead of a full Supervisor/Table/Store stack.
type Supervisor interface {
	SetRunlevel(n int)
	SetTeardown(v bool)
	StepAll()
	Reload(newConfigs []config.ServiceConfig)
	List() []service.Info
}

// Manager owns the global reconfiguration state machine (spec §4.4) and
// serializes all requests onto it. Callers (the control endpoint, and
// servisord's descriptor-reload path for RequestReload) invoke
// RequestReload and RequestRunlevel; the manager drives the supervisor and condition store
// to a fixed point before returning to IDLE, publishing
// runlevel.changed/reload.started/reload.completed on the event bus as
// it goes (spec §4.2's event catalogue).
type Manager struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	sup   Supervisor
	conds *cond.Store
	bus   events.EventBus

	current  int
	previous int

	// OnHalt is invoked once the SM returns to IDLE after a runlevel
	// switch to 0 (halt) or 6 (reboot), per spec §4.4. Left nil by
	// default; cmd/servisord wires the actual system call.
	OnHalt func(n int)
}

// NewManager creates a Manager seeded at the given initial runlevel.
// bus may be nil, in which case no events are published.
func NewManager(sup Supervisor, conds *cond.Store, bus events.EventBus, initialRunlevel int) *Manager {
	m := &Manager{sup: sup, conds: conds, bus: bus, current: initialRunlevel, previous: initialRunlevel}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evRequestReload, Src: []string{StateIdle}, Dst: StateReload},
			{Name: evReloadComplete, Src: []string{StateReload}, Dst: StateIdle},
			{Name: evRequestRunlevel, Src: []string{StateIdle}, Dst: StateTeardown},
			{Name: evTeardownComplete, Src: []string{StateTeardown}, Dst: StateStartup},
			{Name: evStartupComplete, Src: []string{StateStartup}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_" + StateReload:   m.onEnterReload,
			"enter_" + StateTeardown: m.onEnterTeardown,
			"enter_" + StateStartup:  m.onEnterStartup,
			"enter_" + StateIdle:     m.onEnterIdle,
		},
	)

	if bus != nil {
		_, _ = bus.SubscribeAsync(events.EventServiceStopped, m.onServiceStopped, 32)
	}

	return m
}

// Current returns the active runlevel.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the runlevel in effect before the last switch,
// surfaced in the control endpoint's GET_RUNLEVEL reply (spec §4.6's
// "sleeptime (reused for previous runlevel in reply)").
func (m *Manager) Previous() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// State returns the global SM's current state name.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// RequestReload drives IDLE -> RELOAD -> IDLE: reload and diff
// descriptors, bump the reconfiguration marker, step all services, then
// return to IDLE (spec §4.4's RELOAD transition).
func (m *Manager) RequestReload(ctx context.Context, newConfigs []config.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(ctx, evRequestReload, newConfigs); err != nil {
		return fmt.Errorf("enter reload: %w", err)
	}
	if err := m.fsm.Event(ctx, evReloadComplete); err != nil {
		return fmt.Errorf("leave reload: %w", err)
	}
	return nil
}

// RequestRunlevel drives IDLE -> RUNLEVEL_TEARDOWN; RUNLEVEL_STARTUP and
// the return to IDLE happen asynchronously as services already in
// STOPPING finish exiting (observed via service.stopped events), per
// spec §4.4. A no-op if n already equals the current runlevel.
func (m *Manager) RequestRunlevel(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n == m.current {
		return nil
	}
	if err := m.fsm.Event(ctx, evRequestRunlevel, n); err != nil {
		return fmt.Errorf("enter teardown: %w", err)
	}
	m.tryAdvanceTeardownLocked(ctx)
	return nil
}

func (m *Manager) onEnterReload(ctx context.Context, e *fsm.Event) {
	configs, _ := e.Args[0].([]config.ServiceConfig)

	m.publish(events.EventReloadStarted, nil)
	if err := m.conds.BumpReconfMarker(); err != nil {
		e.Err = fmt.Errorf("bump reconf marker: %w", err)
		return
	}
	m.sup.Reload(configs)
	m.publish(events.EventReloadCompleted, nil)
}

func (m *Manager) onEnterTeardown(ctx context.Context, e *fsm.Event) {
	n, _ := e.Args[0].(int)
	m.previous = m.current
	m.current = n

	m.sup.SetRunlevel(n)
	m.sup.SetTeardown(true)
	m.sup.StepAll()

	m.publish(events.EventRunlevelChanged, map[string]any{
		"runlevel":  n,
		"previous":  m.previous,
		"direction": "teardown",
	})
}

func (m *Manager) onEnterStartup(ctx context.Context, e *fsm.Event) {
	m.sup.SetTeardown(false)
	m.sup.StepAll()

	m.publish(events.EventRunlevelChanged, map[string]any{
		"runlevel":  m.current,
		"previous":  m.previous,
		"direction": "startup",
	})
}

func (m *Manager) onEnterIdle(ctx context.Context, e *fsm.Event) {
	// Only a runlevel switch (not a reload) lands here via STARTUP; a
	// halt/reboot target is acted on once the table has settled.
	if e.Src != StateStartup {
		return
	}
	if m.current == 0 || m.current == 6 {
		if m.OnHalt != nil {
			n := m.current
			go m.OnHalt(n)
		}
	}
}

// onServiceStopped watches for teardown targets settling so the SM can
// advance RUNLEVEL_TEARDOWN -> RUNLEVEL_STARTUP -> IDLE once every
// service driven toward STOPPING by the runlevel switch has finished
// exiting (spec §4.4: "all teardown targets are HALTED or DONE").
func (m *Manager) onServiceStopped(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryAdvanceTeardownLocked(ctx)
	return nil
}

func (m *Manager) tryAdvanceTeardownLocked(ctx context.Context) {
	if m.fsm.Current() != StateTeardown {
		return
	}
	if m.anyStoppingLocked() {
		return
	}
	if err := m.fsm.Event(ctx, evTeardownComplete); err != nil {
		return
	}
	_ = m.fsm.Event(ctx, evStartupComplete)
}

func (m *Manager) anyStoppingLocked() bool {
	for _, info := range m.sup.List() {
		if info.State == "stopping" {
			return true
		}
	}
	return false
}

func (m *Manager) publish(typ string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	_ = m.bus.Publish(context.Background(), events.Event{Type: typ, Payload: payload})
}
