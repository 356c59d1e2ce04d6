// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"time"

	"github.com/hongkongkiwi/servisor/internal/config"
)

// State is a service's position in the per-service state machine
// (spec §4.3): HALTED, READY, RUNNING, STOPPING, WAITING, DONE.
type State int

const (
	Halted State = iota
	Ready
	Running
	Stopping
	Waiting
	Done
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Waiting:
		return "waiting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler to output the string representation.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// BlockReason explains why a HALTED/READY service is not progressing.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockRestarting
	BlockMissing
	BlockCrashed
	BlockNoRespawn
)

func (b BlockReason) String() string {
	switch b {
	case BlockRestarting:
		return "restarting"
	case BlockMissing:
		return "missing"
	case BlockCrashed:
		return "crashed"
	case BlockNoRespawn:
		return "no-respawn"
	default:
		return "none"
	}
}

// respawn budget constants, spec §4.3.3 and §4.3.2.
const (
	RespawnMax     = 10
	backoffFast    = 2000 * time.Millisecond
	backoffSlow    = 5000 * time.Millisecond
	svcTermTimeout = 3 * time.Second
)

// backoffFor returns the retry delay for the given 1-based attempt number.
func backoffFor(attempt int) time.Duration {
	if attempt <= RespawnMax/2 {
		return backoffFast
	}
	return backoffSlow
}

// kindBehavior is the tagged-variant behavior table replacing runtime flag
// testing on service kind (spec §9 design notes).
type kindBehavior struct {
	respawns       bool // daemons are respawned on unexpected exit
	blocksOnStart  bool // "run" kind blocks the step loop until exit
	onExitState    State
	supportsSIGHUP bool
}

func behaviorFor(kind config.ServiceKind) kindBehavior {
	switch kind {
	case config.KindTask:
		return kindBehavior{onExitState: Done}
	case config.KindRun:
		return kindBehavior{blocksOnStart: true, onExitState: Done}
	case config.KindInetd:
		return kindBehavior{respawns: true, onExitState: Halted, supportsSIGHUP: true}
	case config.KindInetdConn:
		return kindBehavior{onExitState: Done}
	default: // KindService
		return kindBehavior{respawns: true, onExitState: Halted, supportsSIGHUP: true}
	}
}

// Descriptor is a service's full runtime record: the immutable descriptor
// loaded from configuration plus the mutable fields the supervisor owns
// (spec §3).
type Descriptor struct {
	Config config.ServiceConfig

	// Mutable fields, owned exclusively by the supervisor's event-loop
	// thread (spec §5).
	State         State
	PID           int
	StartedAt     time.Time
	RestartCnt    int
	TotalRestarts int
	LastStatus    int
	Block         BlockReason
	Dirty         bool
	Manual        bool // manually stopped via control endpoint
	OnceCount     int
	Missing       bool

	proc       *Process
	logs       *LogBuffer
	retryTimer *time.Timer
}

// Ident returns the identity string, e.g. "nginx:1": the name and
// instance id, or the command and id when the descriptor has no name.
func (d *Descriptor) Ident() string {
	return d.Config.Ident()
}

// Behavior returns this descriptor's tagged-variant kind behavior.
func (d *Descriptor) Behavior() kindBehavior {
	return behaviorFor(d.Config.EffectiveKind())
}

// Enabled reports spec §4.3's enabled(svc): the current runlevel bit is
// set, block is NONE, and the service was not manually stopped.
func (d *Descriptor) Enabled(runlevel int) bool {
	return config.RunlevelAllowed(d.Config.RunlevelMask(), runlevel) &&
		d.Block == BlockNone && !d.Manual
}

// Info is the read-only snapshot returned by introspection surfaces.
type Info struct {
	Ident      string    `json:"ident"`
	Name       string    `json:"name"`
	Command    string    `json:"command"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	RestartCnt int       `json:"restart_count"`
	Block      string    `json:"block,omitempty"`
	Dirty      bool      `json:"dirty"`
	Runlevels  string    `json:"runlevels"`
	Conditions []string  `json:"conditions,omitempty"`
}

// Snapshot converts a Descriptor to its read-only Info projection.
func (d *Descriptor) Snapshot() Info {
	return Info{
		Ident:      d.Ident(),
		Name:       d.Config.Name,
		Command:    d.Config.Command,
		Kind:       string(d.Config.EffectiveKind()),
		State:      d.State.String(),
		PID:        d.PID,
		StartedAt:  d.StartedAt,
		RestartCnt: d.RestartCnt,
		Block:      d.Block.String(),
		Dirty:      d.Dirty,
		Runlevels:  d.Config.Runlevels,
		Conditions: d.Config.Conditions,
	}
}

// RestartTrigger identifies what caused a restart, surfaced on the event
// bus for operator visibility.
type RestartTrigger int

const (
	RestartManual RestartTrigger = iota
	RestartCrash
	RestartSIGHUP
	RestartDependency
)

func (r RestartTrigger) String() string {
	switch r {
	case RestartManual:
		return "manual"
	case RestartCrash:
		return "crash"
	case RestartSIGHUP:
		return "sighup"
	case RestartDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// CrashReason categorizes why a service crashed, as computed by
// CrashAnalyzer (crash.go). Grounded on internal/service/crash.go's
// CrashAnalyzer; neither handleExit nor the crash ledger (component J)
// calls it.
type CrashReason int

const (
	CrashReasonNone CrashReason = iota
	CrashReasonPanic
	CrashReasonFatal
	CrashReasonLogFatal
	CrashReasonError
	CrashReasonOOM
	CrashReasonSignal
	CrashReasonTimeout
	CrashReasonUnknown
)

func (r CrashReason) String() string {
	switch r {
	case CrashReasonNone:
		return "none"
	case CrashReasonPanic:
		return "panic"
	case CrashReasonFatal:
		return "fatal"
	case CrashReasonLogFatal:
		return "log.fatal"
	case CrashReasonError:
		return "error"
	case CrashReasonOOM:
		return "oom"
	case CrashReasonSignal:
		return "signal"
	case CrashReasonTimeout:
		return "timeout"
	case CrashReasonUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// CrashResult contains the analysis of a service crash.
type CrashResult struct {
	Reason     CrashReason
	Details    string
	Location   string
	StackTrace []string
	ExitCode   int
}

// Summary returns a human-readable summary of the crash.
func (r *CrashResult) Summary() string {
	summary := r.Reason.String()
	if r.Details != "" {
		summary += ": " + r.Details
	}
	if r.Location != "" {
		summary += " at " + r.Location
	}
	return summary
}
