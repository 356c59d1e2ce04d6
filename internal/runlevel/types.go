// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runlevel implements the global reconfiguration state machine
// (spec §4.4): the outer state machine that drives descriptor reloads
// and runlevel switches to a fixed point, sitting above the per-service
// machine in internal/service. Grounded on github.com/looplab/fsm's use
// for outer service-lifecycle states (internal/app/ui/services/state.go
// in the wider example corpus), adapted from a UI-facing per-service FSM
// to the supervisor's single global reconfiguration FSM.
package runlevel

// State names for the global SM.
const (
	StateIdle     = "idle"
	StateReload   = "reload"
	StateTeardown = "runlevel_teardown"
	StateStartup  = "runlevel_startup"
)

// Event names fired against the FSM.
const (
	evRequestReload    = "request_reload"
	evReloadComplete   = "reload_complete"
	evRequestRunlevel  = "request_runlevel"
	evTeardownComplete = "teardown_complete"
	evStartupComplete  = "startup_complete"
)
