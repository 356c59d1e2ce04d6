// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command servisorctl is the control socket client (spec §6): it turns
// the command-line surface (status, start, stop, restart, reload,
// signal, cond, runlevel, reboot, halt, poweroff, suspend, log, list,
// enable, disable, touch, show, edit, create, delete, ident, ps, top)
// into control-protocol requests or, for read-only and descriptor-file
// operations the wire protocol has no room for, direct reads of the
// condition store, the introspection HTTP surface, and the descriptor
// directory. Grounded on cmd/trellis-ctl/main.go's
// subcommand-dispatch shape, adapted from trellis's worktree/workflow
// verbs to spec.md §6's exit-code table.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/control"
	"github.com/hongkongkiwi/servisor/internal/httpapi"
	"github.com/hongkongkiwi/servisor/internal/service"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitBadArgs          = 2
	exitNoSuchCommand    = 3
	exitBuiltinService   = 4
	exitNotEnabled       = 6
	exitSignalConversion = 65
	exitNoSuchService    = 69
	exitMarkReloadFail   = 71
	exitMissingConfigDir = 72
	exitCreationFailure  = 73
)

type cliError struct {
	code int
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func fail(code int, format string, args ...interface{}) *cliError {
	return &cliError{code: code, msg: fmt.Sprintf(format, args...)}
}

type env struct {
	socket        string
	httpAddr      string
	condDir       string
	descriptorDir string
	client        *control.Client
}

func main() {
	var e env
	args := os.Args[1:]
	args = e.parseGlobalFlags(args)

	if len(args) == 0 {
		args = []string{"status"}
	}
	cmd, rest := args[0], args[1:]
	e.client = control.NewClient(e.socket)

	if err := dispatch(&e, cmd, rest); err != nil {
		if ce, ok := err.(*cliError); ok {
			fmt.Fprintf(os.Stderr, "servisorctl: %v\n", ce.msg)
			os.Exit(ce.code)
		}
		fmt.Fprintf(os.Stderr, "servisorctl: %v\n", err)
		os.Exit(exitGeneric)
	}
}

// parseGlobalFlags strips leading -socket/-http/-cond-dir/-descriptor-dir
// flags (which may appear before the subcommand) and returns the
// remaining positional arguments.
func (e *env) parseGlobalFlags(args []string) []string {
	e.socket = "/run/servisor/control.sock"
	e.httpAddr = "http://127.0.0.1:1080"
	e.condDir = "/run/servisor/cond"
	e.descriptorDir = "/etc/servisor"

	var out []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-socket", "--socket":
			if i+1 < len(args) {
				e.socket = args[i+1]
				i++
			}
		case "-http", "--http":
			if i+1 < len(args) {
				e.httpAddr = args[i+1]
				i++
			}
		case "-cond-dir", "--cond-dir":
			if i+1 < len(args) {
				e.condDir = args[i+1]
				i++
			}
		case "-descriptor-dir", "--descriptor-dir":
			if i+1 < len(args) {
				e.descriptorDir = args[i+1]
				i++
			}
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func dispatch(e *env, cmd string, args []string) error {
	switch cmd {
	case "status", "list":
		return cmdList(e)
	case "start":
		return cmdSvcOp(e, args, control.CmdStartSvc)
	case "stop", "disable":
		return cmdSvcOp(e, args, control.CmdStopSvc)
	case "enable":
		return cmdSvcOp(e, args, control.CmdStartSvc)
	case "restart":
		return cmdSvcOp(e, args, control.CmdRestartSvc)
	case "touch":
		return cmdSvcOp(e, args, control.CmdReloadSvc)
	case "reload":
		return cmdReload(e, args)
	case "signal":
		return cmdSignal(e, args)
	case "cond":
		return cmdCond(e, args)
	case "runlevel":
		return cmdRunlevel(e, args)
	case "reboot":
		return cmdSimple(e, control.CmdReboot)
	case "halt":
		return cmdSimple(e, control.CmdHalt)
	case "poweroff":
		return cmdSimple(e, control.CmdPoweroff)
	case "suspend":
		return cmdSimple(e, control.CmdSuspend)
	case "log":
		return cmdLog(e, args)
	case "show":
		return cmdShow(e, args)
	case "edit":
		return cmdEdit(e, args)
	case "create":
		return cmdCreate(e, args)
	case "delete":
		return cmdDelete(e, args)
	case "ident":
		return cmdIdent(e, args)
	case "ps":
		return cmdPS(e, args)
	case "top":
		return cmdTop(e)
	case "cgroup":
		return fail(exitGeneric, "cgroup accounting is not available in this deployment")
	default:
		return fail(exitNoSuchCommand, "no such command: %s", cmd)
	}
}

func requireArg(args []string, what string) (string, error) {
	if len(args) == 0 {
		return "", fail(exitBadArgs, "missing required argument: %s", what)
	}
	return args[0], nil
}

func sendAndCheck(e *env, req control.Request) (control.Request, error) {
	reply, err := e.client.Send(req)
	if err != nil {
		return reply, fail(exitGeneric, "%v", err)
	}
	if !control.IsAck(reply) {
		reason := reply.GetData()
		if strings.Contains(strings.ToLower(reason), "no such service") {
			return reply, fail(exitNoSuchService, "%s", reason)
		}
		return reply, fail(exitGeneric, "%s", reason)
	}
	return reply, nil
}

func cmdSvcOp(e *env, args []string, cmd control.Cmd) error {
	ident, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	req := control.NewRequest(cmd)
	req.SetData(ident)
	_, err = sendAndCheck(e, req)
	return err
}

func cmdReload(e *env, args []string) error {
	if len(args) > 0 {
		return cmdSvcOp(e, args, control.CmdReloadSvc)
	}
	req := control.NewRequest(control.CmdReload)
	_, err := sendAndCheck(e, req)
	if err != nil {
		if ce, ok := err.(*cliError); ok && ce.code == exitGeneric {
			ce.code = exitMarkReloadFail
		}
	}
	return err
}

func cmdSignal(e *env, args []string) error {
	if len(args) < 2 {
		return fail(exitBadArgs, "usage: signal <name> <signal>")
	}
	ident, sigName := args[0], args[1]
	sig, err := parseSignal(sigName)
	if err != nil {
		return fail(exitSignalConversion, "%v", err)
	}
	req := control.NewRequest(control.CmdSignal)
	req.SetData(ident)
	req.Runlevel = int32(sig)
	_, err = sendAndCheck(e, req)
	return err
}

func parseSignal(name string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return syscall.Signal(n), nil
	}
	name = strings.ToUpper(strings.TrimPrefix(name, "SIG"))
	sigs := map[string]syscall.Signal{
		"HUP": syscall.SIGHUP, "INT": syscall.SIGINT, "QUIT": syscall.SIGQUIT,
		"KILL": syscall.SIGKILL, "TERM": syscall.SIGTERM, "USR1": syscall.SIGUSR1,
		"USR2": syscall.SIGUSR2, "CONT": syscall.SIGCONT, "STOP": syscall.SIGSTOP,
		"CHLD": syscall.SIGCHLD,
	}
	sig, ok := sigs[name]
	if !ok {
		return 0, fmt.Errorf("unrecognized signal %q", name)
	}
	return sig, nil
}

func cmdRunlevel(e *env, args []string) error {
	if len(args) == 0 {
		req := control.NewRequest(control.CmdGetRunlevel)
		reply, err := sendAndCheck(e, req)
		if err != nil {
			return err
		}
		fmt.Printf("runlevel: %d (previous %d)\n", reply.Runlevel, reply.Sleeptime)
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n > 9 {
		return fail(exitBadArgs, "invalid runlevel: %s", args[0])
	}
	req := control.NewRequest(control.CmdSetRunlevel)
	req.Runlevel = int32(n)
	_, err = sendAndCheck(e, req)
	return err
}

func cmdSimple(e *env, cmd control.Cmd) error {
	_, err := sendAndCheck(e, control.NewRequest(cmd))
	return err
}

// cmdCond implements "cond {show|dump|get|set|clear|status}". set/clear
// write directly to the usr/ subtree, writable by the client tool per
// spec.md §6; the others read the filesystem condition store without
// going through the control socket, matching the store's
// concurrently-readable-by-any-process design (spec §5).
func cmdCond(e *env, args []string) error {
	sub, err := requireArg(args, "cond subcommand")
	if err != nil {
		return err
	}
	store, err := cond.New(e.condDir)
	if err != nil {
		return fail(exitGeneric, "open condition store: %v", err)
	}

	switch sub {
	case "dump", "status":
		for _, name := range store.List() {
			fmt.Printf("%-40s %s\n", name, store.Get(name))
		}
		return nil

	case "show":
		if len(args) < 2 {
			for _, name := range store.List() {
				fmt.Printf("%-40s %s\n", name, store.Get(name))
			}
			return nil
		}
		name := args[1]
		fmt.Printf("%-40s %s\n", name, store.Get(name))
		return nil

	case "get":
		name, err := requireArg(args[1:], "condition name")
		if err != nil {
			return err
		}
		state := store.Get(name)
		fmt.Println(state)
		if state != cond.On {
			return &cliError{code: exitGeneric, msg: fmt.Sprintf("%s is %s", name, state)}
		}
		return nil

	case "set":
		name, err := requireArg(args[1:], "condition name")
		if err != nil {
			return err
		}
		return store.Set("usr/" + strings.TrimPrefix(name, "usr/"))

	case "clear":
		name, err := requireArg(args[1:], "condition name")
		if err != nil {
			return err
		}
		return store.Clear("usr/" + strings.TrimPrefix(name, "usr/"))

	default:
		return fail(exitBadArgs, "unknown cond subcommand: %s", sub)
	}
}

func cmdList(e *env) error {
	var infos []service.Info
	if err := httpGet(e, "/services", &infos); err != nil {
		return err
	}
	fmt.Printf("%-24s %-10s %-6s %s\n", "IDENT", "STATE", "PID", "COMMAND")
	for _, info := range infos {
		fmt.Printf("%-24s %-10s %-6d %s\n", info.Ident, info.State, info.PID, info.Command)
	}
	return nil
}

func cmdLog(e *env, args []string) error {
	ident, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	var lines []string
	if err := httpGet(e, "/services/"+ident+"/logs", &lines); err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func cmdShow(e *env, args []string) error {
	name, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	path, err := descriptorPath(e, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(exitNoSuchService, "%v", err)
	}
	fmt.Print(string(data))
	return nil
}

func cmdEdit(e *env, args []string) error {
	name, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	path, err := descriptorPath(e, name)
	if err != nil {
		return err
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	c := exec.Command(editor, path)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return fail(exitGeneric, "editor exited: %v", err)
	}
	return nil
}

func cmdCreate(e *env, args []string) error {
	name, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	if _, err := os.Stat(e.descriptorDir); err != nil {
		return fail(exitMissingConfigDir, "descriptor directory %s: %v", e.descriptorDir, err)
	}
	path := filepath.Join(e.descriptorDir, name+".hjson")
	if _, err := os.Stat(path); err == nil {
		return fail(exitCreationFailure, "%s already exists", path)
	}
	template := fmt.Sprintf("{\n  services: [\n    {\n      name: %q\n      command: \"\"\n      runlevels: \"2345\"\n    }\n  ]\n}\n", name)
	if err := os.WriteFile(path, []byte(template), 0644); err != nil {
		return fail(exitCreationFailure, "write %s: %v", path, err)
	}
	fmt.Printf("created %s\n", path)
	return nil
}

func cmdDelete(e *env, args []string) error {
	name, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	path, err := descriptorPath(e, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fail(exitGeneric, "%v", err)
	}
	fmt.Printf("deleted %s\n", path)
	return nil
}

func cmdIdent(e *env, args []string) error {
	var infos []service.Info
	if err := httpGet(e, "/services", &infos); err != nil {
		return err
	}
	if len(args) == 0 {
		for _, info := range infos {
			fmt.Println(info.Ident)
		}
		return nil
	}
	name := args[0]
	for _, info := range infos {
		if info.Ident == name || strings.HasPrefix(info.Ident, name+":") || info.Name == name {
			fmt.Println(info.Ident)
			return nil
		}
	}
	return fail(exitNoSuchService, "no such service: %s", name)
}

func cmdPS(e *env, args []string) error {
	ident, err := requireArg(args, "service name")
	if err != nil {
		return err
	}
	var info service.Info
	if err := httpGet(e, "/services/"+ident, &info); err != nil {
		return err
	}
	if info.PID == 0 {
		return fail(exitGeneric, "%s is not running", ident)
	}
	procs, err := ps.Processes()
	if err != nil {
		return fail(exitGeneric, "enumerate processes: %v", err)
	}
	fmt.Printf("%-8s %-8s %s\n", "PID", "PPID", "CMD")
	for _, p := range procs {
		if p.Pid() == info.PID || p.PPid() == info.PID {
			fmt.Printf("%-8d %-8d %s\n", p.Pid(), p.PPid(), p.Executable())
		}
	}
	return nil
}

func cmdTop(e *env) error {
	var infos []service.Info
	if err := httpGet(e, "/services", &infos); err != nil {
		return err
	}
	procs, err := ps.Processes()
	if err != nil {
		return fail(exitGeneric, "enumerate processes: %v", err)
	}
	byPID := make(map[int]ps.Process, len(procs))
	for _, p := range procs {
		byPID[p.Pid()] = p
	}
	fmt.Printf("%-24s %-8s %s\n", "IDENT", "PID", "CMD")
	for _, info := range infos {
		if info.PID == 0 {
			continue
		}
		cmd := info.Command
		if p, ok := byPID[info.PID]; ok {
			cmd = p.Executable()
		}
		fmt.Printf("%-24s %-8d %s\n", info.Ident, info.PID, cmd)
	}
	return nil
}

func descriptorPath(e *env, name string) (string, error) {
	entries, err := os.ReadDir(e.descriptorDir)
	if err != nil {
		return "", fail(exitMissingConfigDir, "%v", err)
	}
	candidate := filepath.Join(e.descriptorDir, name+".hjson")
	for _, ent := range entries {
		if ent.Name() == name+".hjson" || ent.Name() == name+".json" {
			return filepath.Join(e.descriptorDir, ent.Name()), nil
		}
	}
	return "", fail(exitNoSuchService, "no descriptor file found for %s (expected %s)", name, candidate)
}

func httpGet(e *env, path string, out interface{}) error {
	resp, err := http.Get(strings.TrimSuffix(e.httpAddr, "/") + path)
	if err != nil {
		return fail(exitGeneric, "introspection request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(exitGeneric, "read response: %v", err)
	}

	var envelope httpapi.Response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fail(exitGeneric, "decode response: %v", err)
	}
	if envelope.Error != nil {
		code := exitGeneric
		if envelope.Error.Code == httpapi.ErrNotFound {
			code = exitNoSuchService
		}
		return fail(code, "%s", envelope.Error.Message)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return fail(exitGeneric, "%v", err)
	}
	return json.Unmarshal(raw, out)
}
