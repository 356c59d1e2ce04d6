// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/config"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *Table, *cond.Store) {
	t.Helper()
	store, err := cond.New(t.TempDir())
	require.NoError(t, err)
	tbl := NewTable()
	sup := NewSupervisor(tbl, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	t.Cleanup(cancel)
	return sup, tbl, store
}

// S1: a sleep service allowed in runlevels [2345] reaches RUNNING at
// runlevel 2, stays RUNNING at 3, reaches HALTED at runlevel 1.
func TestSeedScenarioS1RunlevelGating(t *testing.T) {
	sup, tbl, _ := newTestSupervisor(t)
	d, err := sup.Register(config.ServiceConfig{
		Name:      "nap",
		Command:   "/bin/sleep",
		Args:      []string{"3600"},
		Runlevels: "2345",
		Kind:      config.KindService,
	})
	require.NoError(t, err)

	sup.SetRunlevel(2)
	sup.StepAll()
	assert.Equal(t, Running, d.State)
	assert.NotZero(t, d.PID)

	sup.SetRunlevel(3)
	sup.StepAll()
	assert.Equal(t, Running, d.State)

	sup.SetRunlevel(1)
	sup.StepAll()
	// stepOnce transitions RUNNING->STOPPING synchronously; the
	// STOPPING->HALTED leg completes asynchronously once SIGCHLD (here,
	// the watchExit goroutine) observes the reaped child.
	assert.Equal(t, Stopping, d.State)

	require.Eventually(t, func() bool {
		return d.State == Halted
	}, 2*time.Second, 10*time.Millisecond)

	_ = tbl
}

// P6 / S3 (simplified): condition gating holds a service in READY until
// its dependency is asserted, and returns it there when cleared.
func TestConditionGatesStart(t *testing.T) {
	sup, _, conds := newTestSupervisor(t)
	d, err := sup.Register(config.ServiceConfig{
		Name:       "a",
		Command:    "/bin/sleep",
		Args:       []string{"3600"},
		Runlevels:  "2345",
		Conditions: []string{"net/eth0/up"},
	})
	require.NoError(t, err)

	sup.SetRunlevel(2)
	sup.StepAll()
	assert.Equal(t, Ready, d.State)

	require.NoError(t, conds.Set("net/eth0/up"))
	sup.StepAll()
	assert.Equal(t, Running, d.State)

	require.NoError(t, conds.Clear("net/eth0/up"))
	sup.StepAll()
	assert.Equal(t, Stopping, d.State)
}

func TestManualStopAndStart(t *testing.T) {
	sup, tbl, _ := newTestSupervisor(t)
	_, err := sup.Register(config.ServiceConfig{
		Name:      "svc",
		Command:   "/bin/sleep",
		Args:      []string{"3600"},
		Runlevels: "2345",
	})
	require.NoError(t, err)
	sup.SetRunlevel(2)
	sup.StepAll()

	d, _ := tbl.FindByIdent("svc:1")
	require.Equal(t, Running, d.State)

	require.NoError(t, sup.Stop("svc:1"))
	assert.Equal(t, Stopping, d.State)

	require.Eventually(t, func() bool { return d.State == Halted }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Start("svc:1"))
	require.Eventually(t, func() bool { return d.State == Running }, 2*time.Second, 10*time.Millisecond)
}

// Finding 3 regression: re-arming a crash-restart timer must cancel the
// one it replaces. If it didn't, a stale timer armed for an earlier
// crash would still fire after the newer one already resolved the
// retry, and retryLocked's own state guard would then read that as "no
// crash pending" and silently zero RestartCnt back out instead of
// landing on the single increment the real retry earned.
func TestRetryTimerCancelledOnRearm(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	d := &Descriptor{
		Config: config.ServiceConfig{Name: "flap", Command: "/bin/false", Runlevels: "2345", Kind: config.KindService},
		State:  Halted,
		Block:  BlockRestarting,
	}

	sup.armRetry(d, 40*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	sup.armRetry(d, 40*time.Millisecond) // re-arm before the first fires; must cancel it

	require.Eventually(t, func() bool { return d.RestartCnt == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // long enough for the stale timer to have fired too, if uncancelled
	assert.Equal(t, 1, d.RestartCnt)
	assert.Equal(t, BlockNone, d.Block)
}

// S2: a service that crashes more than RespawnMax times within the
// backoff window is permanently blocked (BlockCrashed) rather than
// retried forever.
func TestSeedScenarioS2CrashBudgetExhausted(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	d := &Descriptor{
		Config: config.ServiceConfig{Name: "doomed", Command: "/bin/false", Runlevels: "2345", Kind: config.KindService},
		State:  Halted,
		Block:  BlockRestarting,
	}

	for i := 0; i < RespawnMax; i++ {
		sup.enqueue(func() { sup.retryLocked(d) })
		// retryLocked clears Block on success; simulate another crash
		// landing immediately so the next iteration's guard still holds.
		d.State = Halted
		d.Block = BlockRestarting
	}
	assert.Equal(t, RespawnMax, d.RestartCnt)

	sup.enqueue(func() { sup.retryLocked(d) })
	assert.Equal(t, BlockCrashed, d.Block)
	assert.Greater(t, d.RestartCnt, RespawnMax)
}

// S4: a "run" kind service blocks the step loop synchronously until the
// child exits, rather than transitioning straight to RUNNING.
func TestSeedScenarioS4RunKindBlocksUntilExit(t *testing.T) {
	sup, tbl, _ := newTestSupervisor(t)
	_, err := sup.Register(config.ServiceConfig{
		Name:      "once",
		Command:   "/bin/sleep",
		Args:      []string{"0.05"},
		Runlevels: "2345",
		Kind:      config.KindRun,
	})
	require.NoError(t, err)
	sup.SetRunlevel(2)
	sup.StepAll()

	d, _ := tbl.FindByIdent("once:1")
	// By the time StepAll returns, the blocking start has already
	// waited out the child's exit and settled the descriptor.
	assert.Equal(t, Done, d.State)
	assert.Zero(t, d.PID)
}

// S5: a running SIGHUP-capable service that is touched exactly once
// receives exactly one SIGHUP and is never restarted.
func TestSeedScenarioS5DirtyServiceGetsSingleSIGHUP(t *testing.T) {
	sup, tbl, _ := newTestSupervisor(t)
	// sleep(1) has no SIGHUP handler and would simply die from the
	// signal; use a shell that traps and ignores it, like a real
	// reloadable daemon would, so the process survives the reload.
	_, err := sup.Register(config.ServiceConfig{
		Name:      "reloadable",
		Command:   "/bin/sh",
		Args:      []string{"-c", "trap '' HUP; sleep 3600"},
		Runlevels: "2345",
		Kind:      config.KindService,
	})
	require.NoError(t, err)
	sup.SetRunlevel(2)
	sup.StepAll()

	d, _ := tbl.FindByIdent("reloadable:1")
	require.Equal(t, Running, d.State)
	pidBefore := d.PID

	require.NoError(t, sup.Touch("reloadable:1"))
	time.Sleep(50 * time.Millisecond) // let a spurious crash/restart manifest, if any

	assert.Equal(t, Running, d.State)
	assert.False(t, d.Dirty)
	assert.Equal(t, pidBefore, d.PID, "SIGHUP reload must not restart the process")
	assert.Equal(t, 0, d.RestartCnt)
}
