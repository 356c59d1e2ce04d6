// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/service"
)

// Supervisor is the subset of *service.Supervisor the control endpoint
// drives directly (service-scoped operations; runlevel/reload go
// through RunlevelManager instead).
type Supervisor interface {
	Start(ident string) error
	Stop(ident string) error
	Restart(ident string, trigger service.RestartTrigger) error
	Touch(ident string) error
	Signal(ident string, sig syscall.Signal) error
	Get(ident string) (service.Info, bool)
	List() []service.Info
}

// RunlevelManager is the subset of *runlevel.Manager the control
// endpoint drives for SET_RUNLEVEL/RELOAD/HALT/REBOOT.
type RunlevelManager interface {
	RequestRunlevel(ctx context.Context, n int) error
	RequestReload(ctx context.Context, newConfigs []config.ServiceConfig) error
	Current() int
	Previous() int
}

// DescriptorLoader reloads the descriptor directory on RELOAD.
type DescriptorLoader interface {
	LoadDir(ctx context.Context, dir string) (*config.Config, error)
}

// PowerAction names a system power transition outside the runlevel
// model (POWEROFF, SUSPEND), left for cmd/servisord to wire to an
// actual system call.
type PowerAction string

const (
	PowerOff PowerAction = "poweroff"
	Suspend  PowerAction = "suspend"
)

// Dispatcher turns decoded Requests into supervisor/runlevel calls and
// builds the ACK/NACK reply (spec §4.6).
type Dispatcher struct {
	sup           Supervisor
	runlevel      RunlevelManager
	loader        DescriptorLoader
	descriptorDir string
	debug         atomic.Bool

	// OnPower is invoked for POWEROFF/SUSPEND requests; nil is a no-op
	// (the request still ACKs).
	OnPower func(action PowerAction)
}

// NewDispatcher builds a Dispatcher over the given supervisor and
// runlevel manager. descriptorDir is re-scanned on every CmdReload.
func NewDispatcher(sup Supervisor, rl RunlevelManager, loader DescriptorLoader, descriptorDir string) *Dispatcher {
	return &Dispatcher{sup: sup, runlevel: rl, loader: loader, descriptorDir: descriptorDir}
}

// Handle processes one decoded request and returns the reply to send
// back over the wire.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Request {
	switch req.Cmd {
	case CmdGetRunlevel:
		req.Runlevel = int32(d.runlevel.Current())
		req.Sleeptime = int32(d.runlevel.Previous())
		return Ack(req)

	case CmdSetRunlevel:
		if err := d.runlevel.RequestRunlevel(ctx, int(req.Runlevel)); err != nil {
			return Nack(req, err.Error())
		}
		return Ack(req)

	case CmdReload:
		cfg, err := d.loader.LoadDir(ctx, d.descriptorDir)
		if err != nil {
			return Nack(req, fmt.Sprintf("reload: %v", err))
		}
		if err := d.runlevel.RequestReload(ctx, cfg.Services); err != nil {
			return Nack(req, err.Error())
		}
		return Ack(req)

	case CmdDebugToggle:
		d.debug.Store(!d.debug.Load())
		return Ack(req)

	case CmdStartSvc:
		return d.svcOp(req, d.sup.Start)

	case CmdStopSvc:
		return d.svcOp(req, d.sup.Stop)

	case CmdRestartSvc:
		return d.svcOp(req, func(ident string) error {
			return d.sup.Restart(ident, service.RestartManual)
		})

	case CmdReloadSvc:
		return d.svcOp(req, d.sup.Touch)

	case CmdSignal:
		ident := req.GetData()
		sig := syscall.Signal(req.Runlevel)
		if err := d.sup.Signal(ident, sig); err != nil {
			return Nack(req, err.Error())
		}
		return Ack(req)

	case CmdSvcQuery:
		if !d.matchService(req.GetData()) {
			return Nack(req, "no matching service")
		}
		return Ack(req)

	case CmdHalt:
		if err := d.runlevel.RequestRunlevel(ctx, 0); err != nil {
			return Nack(req, err.Error())
		}
		return Ack(req)

	case CmdReboot:
		if err := d.runlevel.RequestRunlevel(ctx, 6); err != nil {
			return Nack(req, err.Error())
		}
		return Ack(req)

	case CmdPoweroff:
		if d.OnPower != nil {
			d.OnPower(PowerOff)
		}
		return Ack(req)

	case CmdSuspend:
		if d.OnPower != nil {
			d.OnPower(Suspend)
		}
		return Ack(req)

	default:
		return Nack(req, "unknown command "+strconv.Itoa(int(req.Cmd)))
	}
}

func (d *Dispatcher) svcOp(req Request, op func(ident string) error) Request {
	ident := req.GetData()
	if err := op(ident); err != nil {
		return Nack(req, err.Error())
	}
	return Ack(req)
}

// matchService reports whether name (case-insensitive, optionally
// "name:id") identifies at least one registered service, per spec
// §4.6's SVC_QUERY semantics.
func (d *Dispatcher) matchService(name string) bool {
	name = strings.ToLower(name)
	hasID := strings.Contains(name, ":")
	for _, info := range d.sup.List() {
		ident := strings.ToLower(info.Ident)
		if hasID {
			if ident == name {
				return true
			}
			continue
		}
		bare := ident
		if i := strings.LastIndex(ident, ":"); i >= 0 {
			bare = ident[:i]
		}
		if bare == name || strings.ToLower(info.Name) == name {
			return true
		}
	}
	return false
}

// Debug reports whether DEBUG_TOGGLE has left debug logging enabled.
func (d *Dispatcher) Debug() bool {
	return d.debug.Load()
}
