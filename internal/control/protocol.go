// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package control implements the local-domain control endpoint of spec
// §4.6, component F: a fixed-size request/reply record exchanged over a
// unix socket, plus a server and client wrapping it. Wire format
// grounded directly on original_source/src/initctl.c's struct
// init_request (magic/cmd/runlevel/sleeptime/data) and its
// INIT_CMD_*/condop_t constants — names and field layout are carried
// over rather than reinvented.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic guards the wire format against version skew between client and
// server, mirroring the original's INIT_MAGIC role.
const Magic uint32 = 0x03091969

// DataLen is the fixed width of the Data field: long enough for a
// "command:id" service ident or a condition name.
const DataLen = 128

// Cmd is the control endpoint's operation code.
type Cmd int32

const (
	CmdGetRunlevel Cmd = iota
	CmdSetRunlevel
	CmdReload
	CmdDebugToggle
	CmdStartSvc
	CmdStopSvc
	CmdRestartSvc
	CmdReloadSvc
	CmdSignal
	CmdSvcQuery
	CmdHalt
	CmdReboot
	CmdPoweroff
	CmdSuspend
	CmdAck
	CmdNack
)

func (c Cmd) String() string {
	switch c {
	case CmdGetRunlevel:
		return "GET_RUNLEVEL"
	case CmdSetRunlevel:
		return "SET_RUNLEVEL"
	case CmdReload:
		return "RELOAD"
	case CmdDebugToggle:
		return "DEBUG_TOGGLE"
	case CmdStartSvc:
		return "START_SVC"
	case CmdStopSvc:
		return "STOP_SVC"
	case CmdRestartSvc:
		return "RESTART_SVC"
	case CmdReloadSvc:
		return "RELOAD_SVC"
	case CmdSignal:
		return "SIGNAL"
	case CmdSvcQuery:
		return "SVC_QUERY"
	case CmdHalt:
		return "HALT"
	case CmdReboot:
		return "REBOOT"
	case CmdPoweroff:
		return "POWEROFF"
	case CmdSuspend:
		return "SUSPEND"
	case CmdAck:
		return "ACK"
	case CmdNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

// Request is the fixed-size record exchanged over the control socket.
// Replies overlay the same record: cmd is rewritten to ACK/NACK,
// Runlevel/Sleeptime carry reply-specific values (e.g. the previous
// runlevel), and Data carries a NACK's human-readable reason.
type Request struct {
	Magic     uint32
	Cmd       Cmd
	Runlevel  int32 // runlevel byte, or a signal number for CmdSignal
	Sleeptime int32 // reused for "previous runlevel" on CmdGetRunlevel replies
	Data      [DataLen]byte
}

// wireSize is the exact on-wire byte count of a Request.
const wireSize = 4 + 4 + 4 + 4 + DataLen

// SetData copies s into the fixed-width Data field, truncating if s is
// too long for it.
func (r *Request) SetData(s string) {
	n := copy(r.Data[:], s)
	for i := n; i < DataLen; i++ {
		r.Data[i] = 0
	}
}

// GetData returns Data as a NUL-terminated string.
func (r *Request) GetData() string {
	n := bytes.IndexByte(r.Data[:], 0)
	if n < 0 {
		n = len(r.Data)
	}
	return string(r.Data[:n])
}

// Encode serializes the request to its fixed-width wire form.
func (r *Request) Encode() []byte {
	buf := make([]byte, wireSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Cmd))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Runlevel))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.Sleeptime))
	copy(buf[16:], r.Data[:])
	return buf
}

// Decode parses a wire-form request, validating its magic.
func Decode(buf []byte) (Request, error) {
	var r Request
	if len(buf) != wireSize {
		return r, fmt.Errorf("control: short read: got %d bytes, want %d", len(buf), wireSize)
	}
	r.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if r.Magic != Magic {
		return r, fmt.Errorf("control: bad magic %#x", r.Magic)
	}
	r.Cmd = Cmd(binary.LittleEndian.Uint32(buf[4:8]))
	r.Runlevel = int32(binary.LittleEndian.Uint32(buf[8:12]))
	r.Sleeptime = int32(binary.LittleEndian.Uint32(buf[12:16]))
	copy(r.Data[:], buf[16:])
	return r, nil
}

// NewRequest builds a Request with the magic already set.
func NewRequest(cmd Cmd) Request {
	return Request{Magic: Magic, Cmd: cmd}
}

// Ack builds a successful reply overlaying req.
func Ack(req Request) Request {
	req.Cmd = CmdAck
	return req
}

// Nack builds a refusal reply overlaying req, carrying a human reason.
func Nack(req Request, reason string) Request {
	req.Cmd = CmdNack
	req.SetData(reason)
	return req
}
