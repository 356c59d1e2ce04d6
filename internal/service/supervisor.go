// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/logs"
)

// Supervisor runs the per-service state machine of spec §4.3. Every
// Descriptor field mutation happens on a single event-loop goroutine
// (Run), reached only through enqueue; the control endpoint, the
// condition watcher, crash-retry timers, and per-process exit
// notifications all call in from their own goroutines and are
// serialized there, per the concurrency model of spec §5. Grounded on
// internal/service/manager.go's ServiceManager, generalized from its
// restart-policy branching into the explicit HALTED/READY/RUNNING/
// STOPPING/WAITING/DONE machine.
type Supervisor struct {
	table *Table
	conds *cond.Store
	bus   events.EventBus

	mu        sync.Mutex
	runlevel  int
	teardown  bool
	noRespawn bool

	work chan func()
}

// NewSupervisor creates a Supervisor over table and conds, publishing
// transition events onto bus (bus may be nil). Run must be started
// before any other method is called.
func NewSupervisor(table *Table, conds *cond.Store, bus events.EventBus) *Supervisor {
	return &Supervisor{table: table, conds: conds, bus: bus, work: make(chan func(), 64)}
}

// Run is the supervisor's single event-loop goroutine (spec §5): every
// Descriptor mutation is funneled through enqueue and executed here one
// at a time, so the control endpoint, the condition watcher, crash-retry
// timers, and process-exit notifications — each calling in from its own
// goroutine — never race on State/PID/Block/Dirty and the rest of a
// Descriptor's mutable fields. Returns when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.work:
			fn()
		}
	}
}

// enqueue submits fn to run serially on the event-loop goroutine and
// blocks the caller until it has completed.
func (s *Supervisor) enqueue(fn func()) {
	done := make(chan struct{})
	s.work <- func() {
		fn()
		close(done)
	}
	<-done
}

// SetRunlevel sets the current runlevel, consulted by enabled(svc).
func (s *Supervisor) SetRunlevel(n int) {
	s.mu.Lock()
	s.runlevel = n
	s.mu.Unlock()
}

// SetTeardown toggles whether the global SM is mid-teardown; while true,
// READY->RUNNING transitions are globally inhibited (spec §4.4, §5).
func (s *Supervisor) SetTeardown(v bool) {
	s.mu.Lock()
	s.teardown = v
	s.mu.Unlock()
}

// SetNoRespawn toggles the global "no-respawn" flag consulted by the
// start procedure (spec §4.3.1 step 1).
func (s *Supervisor) SetNoRespawn(v bool) {
	s.mu.Lock()
	s.noRespawn = v
	s.mu.Unlock()
}

func (s *Supervisor) currentRunlevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runlevel
}

func (s *Supervisor) inTeardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardown
}

func (s *Supervisor) publish(typ, ident string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = ident
	_ = s.bus.Publish(context.Background(), events.Event{Type: typ, Payload: payload})
}

// Register inserts a freshly-loaded descriptor into the table. Called
// only from within Reload's enqueued closure, before the descriptor is
// visible to any other goroutine.
func (s *Supervisor) Register(cfg config.ServiceConfig) (*Descriptor, error) {
	d := &Descriptor{Config: cfg, State: Halted, logs: NewLogBuffer(cfg.Logging.BufferSize)}
	if !s.table.Insert(d) {
		return nil, fmt.Errorf("duplicate service %s", d.Ident())
	}
	return d, nil
}

// stepAll is the unsynchronized reconciliation pass (spec §4.3.5,
// property P1); only safe to call from the event-loop goroutine, i.e.
// from within an enqueued closure or from retry/watchExit's own
// enqueued continuation.
func (s *Supervisor) stepAll() {
	for {
		progressed := false
		for _, d := range s.table.All() {
			if s.step(d) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// StepAll reconciles every service to a fixed point. Safe to call from
// any goroutine — the condition watcher and the daemon's bootstrap both
// call this externally; the work is serialized onto the event-loop
// goroutine before it touches a single Descriptor field.
func (s *Supervisor) StepAll() {
	s.enqueue(s.stepAll)
}

// step runs one or more transitions on d until it is locally stable,
// returning whether any transition was applied.
func (s *Supervisor) step(d *Descriptor) bool {
	progressed := false
	for {
		if !s.stepOnce(d) {
			return progressed
		}
		progressed = true
	}
}

func (s *Supervisor) stepOnce(d *Descriptor) bool {
	runlevel := s.currentRunlevel()
	agg := s.conds.GetAgg(d.Config.Conditions)

	switch d.State {
	case Halted:
		if d.Enabled(runlevel) {
			d.State = Ready
			return true
		}
		return false

	case Ready:
		if !d.Enabled(runlevel) {
			d.State = Halted
			return true
		}
		if agg == cond.On && !s.inTeardown() {
			s.startService(d)
			return true
		}
		return false

	case Running:
		if !d.Enabled(runlevel) || agg == cond.Off || (d.Dirty && !d.Behavior().supportsSIGHUP) {
			s.stopService(d)
			return true
		}
		if agg == cond.Flux {
			if d.proc != nil {
				_ = d.proc.Signal(syscall.SIGSTOP)
			}
			d.State = Waiting
			return true
		}
		if d.Dirty && d.Behavior().supportsSIGHUP {
			if d.proc != nil {
				_ = d.proc.Signal(syscall.SIGHUP)
			}
			d.Dirty = false
			s.publish("service.restarted", d.Ident(), map[string]any{"trigger": RestartSIGHUP.String()})
			return true
		}
		return false

	case Stopping:
		return false // driven by handleExit on SIGCHLD, not by step

	case Waiting:
		if agg == cond.On {
			if d.proc != nil {
				_ = d.proc.Signal(syscall.SIGCONT)
			}
			_ = s.conds.Set("pid/" + d.Config.Name)
			d.State = Running
			return true
		}
		if agg == cond.Off {
			if d.proc != nil {
				_ = d.proc.Signal(syscall.SIGCONT)
			}
			s.stopService(d)
			return true
		}
		return false

	case Done:
		if d.Dirty {
			d.State = Halted
			return true
		}
		if d.Config.EffectiveKind() == config.KindInetdConn {
			s.table.Remove(d.Ident())
		}
		return false
	}
	return false
}

// startService implements spec §4.3.1. A command that cannot even be
// found or whose configured user/group cannot be resolved is gated out
// before forking, matching original_source/src/service.c's whichp()
// pre-check, rather than retried: it can never succeed until an operator
// fixes the descriptor or installs the binary. Any other start failure
// (e.g. the fork itself failing) goes through the same crash-backoff
// chain as a post-exec crash, so a transient failure is retried instead
// of leaving the service stuck spinning in READY.
func (s *Supervisor) startService(d *Descriptor) {
	if s.noRespawnFlag() {
		d.Block = BlockNoRespawn
		return
	}
	argv := d.Config.GetCommand()
	if len(argv) == 0 {
		d.Missing = true
		d.Block = BlockMissing
		return
	}

	proc := NewProcess(d.Config, d.logsBuffer())
	pid, err := proc.Start()
	if err != nil {
		if errors.Is(err, ErrCommandMissing) {
			d.Missing = true
			d.Block = BlockMissing
			s.publish("service.start_failed", d.Ident(), map[string]any{"error": err.Error(), "missing": true})
			return
		}
		s.publish("service.start_failed", d.Ident(), map[string]any{"error": err.Error()})
		if d.Config.EffectiveKind() == config.KindInetdConn {
			d.RestartCnt++
			d.State = Done
			return
		}
		d.State = Halted
		d.Block = BlockRestarting
		s.armRetry(d, backoffFor(d.RestartCnt+1))
		return
	}

	d.proc = proc
	d.PID = pid
	d.StartedAt = time.Now()
	_ = s.conds.Set("pid/" + d.Config.Name)

	if d.Behavior().blocksOnStart {
		res := <-proc.ExitChan()
		d.LastStatus = res.exitCode
		d.PID = 0
		d.OnceCount++
		_ = s.conds.Clear("pid/" + d.Config.Name)
		d.State = Stopping
		s.finishStop(d, res)
		return
	}

	d.State = Running
	s.publish("service.started", d.Ident(), map[string]any{"pid": pid})
	go s.watchExit(d, proc)
}

func (s *Supervisor) noRespawnFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noRespawn
}

func (d *Descriptor) logsBuffer() *LogBuffer {
	if d.logs == nil {
		d.logs = NewLogBuffer(d.Config.Logging.BufferSize)
	}
	return d.logs
}

// Logs returns the last n captured log lines for this descriptor.
func (d *Descriptor) Logs(n int) []string {
	return d.logsBuffer().Lines(n)
}

// ParsedLogs returns the last n captured log entries for the service
// identified by ident, parsed according to its configured log parser.
// Returns nil if the service is unknown.
func (s *Supervisor) ParsedLogs(ident string, n int) []*logs.LogEntry {
	var out []*logs.LogEntry
	s.enqueue(func() {
		d, found := s.table.FindByIdent(ident)
		if !found {
			return
		}
		out = d.logsBuffer().Entries(n)
	})
	return out
}

// stopService implements spec §4.3.2: SIGTERM, arm watchdog, STOPPING.
func (s *Supervisor) stopService(d *Descriptor) {
	d.State = Stopping
	if d.proc == nil {
		// No live process (e.g. already reaped): settle directly.
		s.settleStopped(d, exitResult{})
		return
	}
	_ = d.proc.ArmTerminationWatchdog(svcTermTimeout)
}

// watchExit is the per-process goroutine feeding SIGCHLD-equivalent
// reaping into the single-threaded step machine. In a true single-
// threaded event loop this would be a signalfd read; expressed here as
// one goroutine per live child that blocks on its own exit channel and
// enqueues the result for serialized handling on the event-loop
// goroutine (spec §5) rather than mutating the descriptor directly.
func (s *Supervisor) watchExit(d *Descriptor, proc *Process) {
	res := <-proc.ExitChan()
	s.enqueue(func() { s.handleExit(d, proc, res) })
}

// handleExit applies the consequences of a reaped child. Only called
// from the event-loop goroutine (via watchExit's enqueue).
func (s *Supervisor) handleExit(d *Descriptor, proc *Process, res exitResult) {
	proc.CancelWatchdog()

	wasStopping := d.State == Stopping
	wasWaiting := d.State == Waiting
	d.PID = 0
	_ = s.conds.Clear("pid/" + d.Config.Name)

	if wasWaiting {
		// spec §4.3: WAITING -> READY if the process died while waiting —
		// a plain transition, no restart bookkeeping.
		d.State = Ready
		s.publish("service.stopped", d.Ident(), map[string]any{"exit_code": res.exitCode, "while_waiting": true})
		s.stepAll()
		return
	}

	if wasStopping {
		s.finishStop(d, res)
		return
	}

	if d.Behavior().respawns {
		s.publish("service.crashed", d.Ident(), map[string]any{"exitCode": res.exitCode})
		d.State = Halted
		d.Block = BlockRestarting
		s.armRetry(d, backoffFor(d.RestartCnt+1))
	} else {
		d.LastStatus = res.exitCode
		d.State = Stopping
		s.finishStop(d, res)
	}
	s.stepAll()
}

// finishStop completes a STOPPING->HALTED/DONE transition once the PID
// has been reaped (spec §4.3.2).
func (s *Supervisor) finishStop(d *Descriptor, res exitResult) {
	d.LastStatus = res.exitCode
	d.State = d.Behavior().onExitState
	d.proc = nil
	if d.Config.EffectiveKind() == config.KindInetdConn && d.State == Done {
		s.table.Remove(d.Ident())
	}
	s.publish("service.stopped", d.Ident(), map[string]any{"exit_code": res.exitCode})
}

func (s *Supervisor) settleStopped(d *Descriptor, res exitResult) {
	s.finishStop(d, res)
}

// armRetry arms (or re-arms) d's crash/backoff retry timer, cancelling
// any previously pending timer first so overlapping crash chains can
// never double-count a single crash episode (spec §5: "every armed
// per-service timer... is cancelled on a state change that invalidates
// it"; mirrors original_source/src/service.c's service_retry, which
// calls service_timeout_cancel before arming the next one).
func (s *Supervisor) armRetry(d *Descriptor, delay time.Duration) {
	if d.retryTimer != nil {
		d.retryTimer.Stop()
	}
	d.retryTimer = time.AfterFunc(delay, func() {
		s.enqueue(func() { s.retryLocked(d) })
	})
}

// retryLocked implements spec §4.3.3's crash-restart backoff chain. Runs
// on the event-loop goroutine via armRetry's timer callback.
func (s *Supervisor) retryLocked(d *Descriptor) {
	if !(d.State == Halted && d.Block == BlockRestarting) {
		d.RestartCnt = 0
		d.retryTimer = nil
		return
	}
	d.RestartCnt++
	d.TotalRestarts++
	if d.RestartCnt > RespawnMax {
		d.Block = BlockCrashed
		d.retryTimer = nil
		s.publish("service.crash_permanent", d.Ident(), nil)
		return
	}
	d.Block = BlockNone
	d.retryTimer = nil
	s.stepAll()
}

// Start enables a service and steps it toward RUNNING (control endpoint
// START_SVC).
func (s *Supervisor) Start(ident string) error {
	d, ok := s.table.FindByIdent(ident)
	if !ok {
		return fmt.Errorf("no such service: %s", ident)
	}
	s.enqueue(func() {
		d.Manual = false
		d.Block = BlockNone
		d.Missing = false
		s.step(d)
		s.stepAll()
	})
	return nil
}

// Stop disables a service manually (control endpoint STOP_SVC).
func (s *Supervisor) Stop(ident string) error {
	d, ok := s.table.FindByIdent(ident)
	if !ok {
		return fmt.Errorf("no such service: %s", ident)
	}
	s.enqueue(func() {
		d.Manual = true
		s.step(d)
		s.stepAll()
	})
	return nil
}

// Restart stops then re-enables a service (control endpoint RESTART_SVC).
func (s *Supervisor) Restart(ident string, trigger RestartTrigger) error {
	d, ok := s.table.FindByIdent(ident)
	if !ok {
		return fmt.Errorf("no such service: %s", ident)
	}
	s.enqueue(func() {
		if d.State == Running && d.Behavior().supportsSIGHUP {
			d.Dirty = true
			s.step(d)
		} else {
			d.Manual = true
			s.step(d)
			d.Manual = false
			s.step(d)
		}
		s.publish("service.restarted", ident, map[string]any{"trigger": trigger.String()})
	})
	return nil
}

// Touch marks a service dirty and steps it, triggering a SIGHUP-style
// reload for kinds that support it or a stop/restart cycle otherwise
// (control endpoint RELOAD_SVC).
func (s *Supervisor) Touch(ident string) error {
	d, ok := s.table.FindByIdent(ident)
	if !ok {
		return fmt.Errorf("no such service: %s", ident)
	}
	s.enqueue(func() {
		d.Dirty = true
		s.step(d)
		s.stepAll()
	})
	return nil
}

// Signal sends an arbitrary signal to a running service (SIGNAL op).
func (s *Supervisor) Signal(ident string, sig syscall.Signal) error {
	d, ok := s.table.FindByIdent(ident)
	if !ok {
		return fmt.Errorf("no such service: %s", ident)
	}
	var sigErr error
	s.enqueue(func() {
		if d.proc == nil {
			sigErr = fmt.Errorf("service %s is not running", ident)
			return
		}
		sigErr = d.proc.Signal(sig)
	})
	return sigErr
}

// StartAll enables every registered descriptor and steps to fixed point,
// fanning the eligibility check out with errgroup. The whole operation
// runs inside a single enqueued closure, so the fanned-out goroutines
// only ever read a Descriptor concurrently with each other, never with
// the event loop's own mutations.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var outerErr error
	s.enqueue(func() {
		descs := s.table.All()
		eligible := make([]bool, len(descs))
		g, _ := errgroup.WithContext(ctx)
		for i, d := range descs {
			i, d := i, d
			g.Go(func() error {
				eligible[i] = d.Enabled(s.currentRunlevel())
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			outerErr = err
			return
		}
		for i, d := range descs {
			if eligible[i] {
				d.Manual = false
			}
		}
		s.stepAll()
	})
	return outerErr
}

// StopAll manually stops every descriptor and waits, until ctx is done,
// for no service to be left STOPPING. A service held in WAITING by a
// condition in flux stays WAITING.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.enqueue(func() {
		for _, d := range s.table.All() {
			d.Manual = true
		}
		s.stepAll()
	})
	for {
		busy := false
		for _, info := range s.List() {
			busy = busy || info.State == Stopping.String()
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Get returns the snapshot of a single service by ident, for the
// introspection HTTP surface and control endpoint SVC_QUERY.
func (s *Supervisor) Get(ident string) (Info, bool) {
	var info Info
	var ok bool
	s.enqueue(func() {
		d, found := s.table.FindByIdent(ident)
		if !found {
			return
		}
		info, ok = d.Snapshot(), true
	})
	return info, ok
}

// Logs returns the last n captured raw log lines for ident.
func (s *Supervisor) Logs(ident string, n int) ([]string, bool) {
	var lines []string
	var ok bool
	s.enqueue(func() {
		d, found := s.table.FindByIdent(ident)
		if !found {
			return
		}
		lines, ok = d.Logs(n), true
	})
	return lines, ok
}

// StreamLogs subscribes to ident's live log buffer, for the
// introspection HTTP surface's websocket log-follow endpoint. The
// returned cancel func must be called once the caller stops reading.
func (s *Supervisor) StreamLogs(ident string) (ch <-chan LogLine, cancel func(), ok bool) {
	s.enqueue(func() {
		d, found := s.table.FindByIdent(ident)
		if !found {
			return
		}
		buf := d.logsBuffer()
		sub := buf.Subscribe()
		ch = sub
		cancel = func() { buf.Unsubscribe(sub) }
		ok = true
	})
	return ch, cancel, ok
}

// List returns a snapshot of every service in the table.
func (s *Supervisor) List() []Info {
	var out []Info
	s.enqueue(func() {
		descs := s.table.All()
		out = make([]Info, 0, len(descs))
		for _, d := range descs {
			out = append(out, d.Snapshot())
		}
	})
	return out
}

// Reload implements spec §4.3.4: sweep the table against newConfigs,
// marking new/dirty/clean and unregistering descriptors missing from the
// new set once they settle.
func (s *Supervisor) Reload(newConfigs []config.ServiceConfig) {
	s.enqueue(func() {
		seen := make(map[string]bool, len(newConfigs))
		for _, cfg := range newConfigs {
			ident := cfg.Ident()
			seen[ident] = true
			if d, ok := s.table.FindByIdent(ident); ok {
				if !configEqual(d.Config, cfg) {
					d.Config = cfg
					d.Dirty = true
				}
				continue
			}
			_, _ = s.Register(cfg)
		}
		for _, d := range s.table.All() {
			if seen[d.Ident()] {
				continue
			}
			if d.State == Halted || d.State == Done {
				s.table.Remove(d.Ident())
			} else {
				d.Manual = true // drive toward HALTED/DONE, reaped on next reload sweep
			}
		}
		s.stepAll()
	})
}

func configEqual(a, b config.ServiceConfig) bool {
	return a.Command == b.Command && a.Runlevels == b.Runlevels &&
		a.WorkDir == b.WorkDir && a.User == b.User && a.Group == b.Group &&
		a.Logging.Mode == b.Logging.Mode && a.Logging.Path == b.Logging.Path &&
		stringsEqual(a.Args, b.Args) && stringsEqual(a.Conditions, b.Conditions)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
