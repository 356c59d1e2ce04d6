// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/service"
)

type fakeSupervisor struct {
	infos     []service.Info
	started   []string
	stopped   []string
	restarted []string
	touched   []string
	signaled  map[string]syscall.Signal
	failIdent string
}

func (f *fakeSupervisor) Start(ident string) error {
	if ident == f.failIdent {
		return fmt.Errorf("no such service: %s", ident)
	}
	f.started = append(f.started, ident)
	return nil
}

func (f *fakeSupervisor) Stop(ident string) error {
	if ident == f.failIdent {
		return fmt.Errorf("no such service: %s", ident)
	}
	f.stopped = append(f.stopped, ident)
	return nil
}

func (f *fakeSupervisor) Restart(ident string, trigger service.RestartTrigger) error {
	f.restarted = append(f.restarted, ident)
	return nil
}

func (f *fakeSupervisor) Touch(ident string) error {
	f.touched = append(f.touched, ident)
	return nil
}

func (f *fakeSupervisor) Signal(ident string, sig syscall.Signal) error {
	if f.signaled == nil {
		f.signaled = map[string]syscall.Signal{}
	}
	f.signaled[ident] = sig
	return nil
}

func (f *fakeSupervisor) Get(ident string) (service.Info, bool) {
	for _, i := range f.infos {
		if i.Ident == ident {
			return i, true
		}
	}
	return service.Info{}, false
}

func (f *fakeSupervisor) List() []service.Info { return f.infos }

type fakeRunlevel struct {
	current, previous int
	reloaded          []config.ServiceConfig
	failRunlevel      bool
}

func (f *fakeRunlevel) RequestRunlevel(ctx context.Context, n int) error {
	if f.failRunlevel {
		return fmt.Errorf("boom")
	}
	f.previous = f.current
	f.current = n
	return nil
}

func (f *fakeRunlevel) RequestReload(ctx context.Context, newConfigs []config.ServiceConfig) error {
	f.reloaded = newConfigs
	return nil
}

func (f *fakeRunlevel) Current() int  { return f.current }
func (f *fakeRunlevel) Previous() int { return f.previous }

type fakeLoader struct {
	cfg *config.Config
	err error
}

func (f *fakeLoader) LoadDir(ctx context.Context, dir string) (*config.Config, error) {
	return f.cfg, f.err
}

func TestDispatcher_StartSvc(t *testing.T) {
	sup := &fakeSupervisor{}
	rl := &fakeRunlevel{current: 2}
	d := NewDispatcher(sup, rl, &fakeLoader{}, "/etc/servisor")

	req := NewRequest(CmdStartSvc)
	req.SetData("nginx:1")
	reply := d.Handle(context.Background(), req)

	assert.True(t, IsAck(reply))
	assert.Equal(t, []string{"nginx:1"}, sup.started)
}

func TestDispatcher_StartSvc_Unknown(t *testing.T) {
	sup := &fakeSupervisor{failIdent: "missing:1"}
	rl := &fakeRunlevel{current: 2}
	d := NewDispatcher(sup, rl, &fakeLoader{}, "/etc/servisor")

	req := NewRequest(CmdStartSvc)
	req.SetData("missing:1")
	reply := d.Handle(context.Background(), req)

	assert.Equal(t, CmdNack, reply.Cmd)
}

func TestDispatcher_GetSetRunlevel(t *testing.T) {
	sup := &fakeSupervisor{}
	rl := &fakeRunlevel{current: 2}
	d := NewDispatcher(sup, rl, &fakeLoader{}, "/etc/servisor")

	reply := d.Handle(context.Background(), NewRequest(CmdGetRunlevel))
	assert.True(t, IsAck(reply))
	assert.Equal(t, int32(2), reply.Runlevel)

	req := NewRequest(CmdSetRunlevel)
	req.Runlevel = 3
	reply = d.Handle(context.Background(), req)
	assert.True(t, IsAck(reply))
	assert.Equal(t, 3, rl.current)
	assert.Equal(t, 2, rl.previous)
}

func TestDispatcher_Reload(t *testing.T) {
	sup := &fakeSupervisor{}
	rl := &fakeRunlevel{current: 2}
	cfg := &config.Config{Services: []config.ServiceConfig{{Command: "nginx"}}}
	d := NewDispatcher(sup, rl, &fakeLoader{cfg: cfg}, "/etc/servisor")

	reply := d.Handle(context.Background(), NewRequest(CmdReload))
	assert.True(t, IsAck(reply))
	assert.Equal(t, cfg.Services, rl.reloaded)
}

func TestDispatcher_Reload_LoaderError(t *testing.T) {
	sup := &fakeSupervisor{}
	rl := &fakeRunlevel{current: 2}
	d := NewDispatcher(sup, rl, &fakeLoader{err: fmt.Errorf("parse error")}, "/etc/servisor")

	reply := d.Handle(context.Background(), NewRequest(CmdReload))
	assert.Equal(t, CmdNack, reply.Cmd)
}

func TestDispatcher_DebugToggle(t *testing.T) {
	d := NewDispatcher(&fakeSupervisor{}, &fakeRunlevel{}, &fakeLoader{}, "/etc/servisor")
	assert.False(t, d.Debug())

	d.Handle(context.Background(), NewRequest(CmdDebugToggle))
	assert.True(t, d.Debug())

	d.Handle(context.Background(), NewRequest(CmdDebugToggle))
	assert.False(t, d.Debug())
}

func TestDispatcher_Signal(t *testing.T) {
	sup := &fakeSupervisor{}
	d := NewDispatcher(sup, &fakeRunlevel{}, &fakeLoader{}, "/etc/servisor")

	req := NewRequest(CmdSignal)
	req.Runlevel = int32(syscall.SIGHUP)
	req.SetData("nginx:1")
	reply := d.Handle(context.Background(), req)

	require.True(t, IsAck(reply))
	assert.Equal(t, syscall.SIGHUP, sup.signaled["nginx:1"])
}

func TestDispatcher_SvcQuery(t *testing.T) {
	sup := &fakeSupervisor{infos: []service.Info{{Ident: "nginx:1", Name: "nginx"}}}
	d := NewDispatcher(sup, &fakeRunlevel{}, &fakeLoader{}, "/etc/servisor")

	req := NewRequest(CmdSvcQuery)
	req.SetData("nginx")
	assert.True(t, IsAck(d.Handle(context.Background(), req)))

	req.SetData("nginx:1")
	assert.True(t, IsAck(d.Handle(context.Background(), req)))

	req.SetData("redis")
	assert.Equal(t, CmdNack, d.Handle(context.Background(), req).Cmd)
}

func TestDispatcher_HaltReboot(t *testing.T) {
	sup := &fakeSupervisor{}
	rl := &fakeRunlevel{current: 2}
	d := NewDispatcher(sup, rl, &fakeLoader{}, "/etc/servisor")

	assert.True(t, IsAck(d.Handle(context.Background(), NewRequest(CmdHalt))))
	assert.Equal(t, 0, rl.current)

	rl.current = 2
	assert.True(t, IsAck(d.Handle(context.Background(), NewRequest(CmdReboot))))
	assert.Equal(t, 6, rl.current)
}

func TestDispatcher_Poweroff(t *testing.T) {
	d := NewDispatcher(&fakeSupervisor{}, &fakeRunlevel{}, &fakeLoader{}, "/etc/servisor")

	var called PowerAction
	d.OnPower = func(a PowerAction) { called = a }

	reply := d.Handle(context.Background(), NewRequest(CmdPoweroff))
	assert.True(t, IsAck(reply))
	assert.Equal(t, PowerOff, called)
}

func TestDispatcher_UnknownCmd(t *testing.T) {
	d := NewDispatcher(&fakeSupervisor{}, &fakeRunlevel{}, &fakeLoader{}, "/etc/servisor")
	reply := d.Handle(context.Background(), NewRequest(Cmd(999)))
	assert.Equal(t, CmdNack, reply.Cmd)
}
