// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/hongkongkiwi/servisor/internal/config"
)

// ErrCommandMissing classifies a start failure that occurred before fork:
// the configured command could not be found on PATH, or the configured
// user/group could not be resolved. Such a failure can never be fixed by
// retrying, unlike a transient fork/exec failure, so the supervisor
// gates the service out (BlockMissing) instead of feeding it into the
// crash-backoff chain. Mirrors original_source/src/service.c's whichp()
// pre-fork existence check.
var ErrCommandMissing = errors.New("command missing")

// Process wraps a single fork/exec'd child, implementing the start
// procedure of spec §4.3.1 and the termination escalation of §4.3.2.
// Grounded on internal/service/process.go's Setpgid/SysProcAttr
// pattern, extended with privilege drop, resource limits, a pidfile, and
// PTY-backed log routing.
type Process struct {
	cfg  config.ServiceConfig
	cmd  *exec.Cmd
	logs *LogBuffer

	ptyMaster *os.File
	pidfile   string

	exitCh       chan exitResult
	watchdogStop chan struct{}
}

type exitResult struct {
	exitCode int
	signaled bool
	signal   os.Signal
	err      error
}

// NewProcess constructs a Process for the given descriptor's config.
func NewProcess(cfg config.ServiceConfig, logs *LogBuffer) *Process {
	return &Process{cfg: cfg, logs: logs, exitCh: make(chan exitResult, 1)}
}

// Start implements spec §4.3.1. Resource limits and privilege drop are
// resolved up front (target uid/gid, rlimits) and applied via
// SysProcAttr.Credential and a best-effort prlimit pass; the stdlib
// exec.Cmd has no pre-exec hook for a true fork-time limit application,
// so prlimit is applied to the running child immediately after Start,
// which is adequate for limits that bound steady-state resource use
// (open files, process count) rather than exec-time behavior. The PTY is
// opened by the parent and handed to the child as its stdio when log
// routing requires it (file/syslog), matching the terminal package's PTY
// idiom — a pipe would line-buffer and can deadlock a slow reader.
func (p *Process) Start() (pid int, err error) {
	argv := p.cfg.GetCommand()
	if len(argv) == 0 {
		return 0, fmt.Errorf("no command configured")
	}
	if _, statErr := exec.LookPath(argv[0]); statErr != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCommandMissing, argv[0], statErr)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.cfg.WorkDir

	env := os.Environ()
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}

	sysProcAttr := &syscall.SysProcAttr{Setpgid: true}
	if p.cfg.User != "" {
		u, uerr := user.Lookup(p.cfg.User)
		if uerr != nil {
			return 0, fmt.Errorf("%w: lookup user %s: %v", ErrCommandMissing, p.cfg.User, uerr)
		}
		uid, _ := strconv.ParseUint(u.Uid, 10, 32)
		gid, _ := strconv.ParseUint(u.Gid, 10, 32)
		if p.cfg.Group != "" {
			g, gerr := user.LookupGroup(p.cfg.Group)
			if gerr != nil {
				return 0, fmt.Errorf("%w: lookup group %s: %v", ErrCommandMissing, p.cfg.Group, gerr)
			}
			if gid64, perr := strconv.ParseUint(g.Gid, 10, 32); perr == nil {
				gid = gid64
			}
		}
		sysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
		env = append(env, "HOME="+u.HomeDir, "USER="+p.cfg.User, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
		if cmd.Dir == "" {
			cmd.Dir = u.HomeDir
		}
	}
	cmd.SysProcAttr = sysProcAttr
	cmd.Env = env

	switch p.cfg.Logging.Mode {
	case config.LogConsole:
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	case config.LogFile, config.LogSyslog:
		master, slave, perr := pty.Open()
		if perr != nil {
			return 0, fmt.Errorf("open pty: %w", perr)
		}
		defer slave.Close()
		cmd.Stdout = slave
		cmd.Stderr = slave
		p.ptyMaster = master
	case config.LogDisabled, config.LogNull, "":
		devnull, derr := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if derr == nil {
			cmd.Stdout, cmd.Stderr = devnull, devnull
		}
	}

	if err := cmd.Start(); err != nil {
		if p.ptyMaster != nil {
			p.ptyMaster.Close()
		}
		return 0, err
	}

	if limits, errs := p.cfg.ParseLimits(); len(errs) == 0 {
		applyLimits(cmd.Process.Pid, limits)
	}

	p.cmd = cmd
	p.pidfile = p.cfg.PIDFile
	if p.pidfile != "" {
		_ = os.WriteFile(p.pidfile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0644)
	}
	if p.ptyMaster != nil {
		go shipLogs(p.ptyMaster, p.logs)
	}

	go p.waitForExit()
	return cmd.Process.Pid, nil
}

// applyLimits applies resource limits to the named process via prlimit.
// Unknown limit names are ignored; config validation checks only that
// each limit value parses, not the limit names.
func applyLimits(pid int, limits map[string]config.Limit) {
	for name, lim := range limits {
		var resource int
		switch name {
		case "nofile":
			resource = unix.RLIMIT_NOFILE
		case "nproc":
			resource = unix.RLIMIT_NPROC
		case "core":
			resource = unix.RLIMIT_CORE
		default:
			continue
		}
		rlim := unix.Rlimit{Cur: uint64(lim.Soft), Max: uint64(lim.Hard)}
		_ = unix.Prlimit(pid, resource, &rlim, nil)
	}
}

// shipLogs is the PTY-based log shipper (component M): it reads
// line-buffered output from the PTY master and appends to the service's
// in-memory LogBuffer.
func shipLogs(master *os.File, logs *LogBuffer) {
	defer master.Close()
	buf := make([]byte, 4096)
	for {
		n, err := master.Read(buf)
		if n > 0 && logs != nil {
			logs.WriteBytes(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitForExit reaps the child and classifies the result, delivering it on
// exitCh exactly once.
func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	res := exitResult{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.signaled = true
				res.signal = ws.Signal()
			}
		} else {
			res.err = err
		}
	}
	if p.pidfile != "" {
		_ = os.Remove(p.pidfile)
	}
	p.exitCh <- res
}

// ExitChan exposes the exit result channel for the event loop to select
// on. Exactly one value is ever sent.
func (p *Process) ExitChan() <-chan exitResult {
	return p.exitCh
}

// Signal sends sig to the process group, refusing if the PID is <= 1
// (spec §4.3.2: never signal init itself).
func (p *Process) Signal(sig syscall.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	pid := p.cmd.Process.Pid
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	return syscall.Kill(-pid, sig)
}

// ArmTerminationWatchdog implements spec §4.3.2: send SIGTERM, then arm a
// watchdog for timeout; if SIGCHLD has not already cancelled it via
// CancelWatchdog, send SIGKILL. Returns immediately; the watchdog runs on
// its own goroutine and only ever calls Signal, never touches the
// supervisor's state directly (the event loop observes the exit via
// ExitChan as usual).
func (p *Process) ArmTerminationWatchdog(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = svcTermTimeout
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	p.watchdogStop = make(chan struct{})
	stop := p.watchdogStop
	go func() {
		select {
		case <-stop:
		case <-time.After(timeout):
			_ = p.Signal(syscall.SIGKILL)
		}
	}()
	return nil
}

// CancelWatchdog stops a pending termination watchdog; called once
// SIGCHLD collection has reaped the process (spec §4.3.2).
func (p *Process) CancelWatchdog() {
	if p.watchdogStop != nil {
		close(p.watchdogStop)
		p.watchdogStop = nil
	}
}

// PID returns the child's process ID, or 0 if not started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
