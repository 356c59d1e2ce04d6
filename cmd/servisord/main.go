// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command servisord is the supervisor daemon (spec §4.7, component G):
// it loads service descriptors, drives the service table to a fixed
// point, and serves the control socket and optional read-only HTTP
// introspection surface until told to halt, reboot, or reload.
// Grounded on cmd/trellis/main.go's flag-parsing and
// App.Run bootstrap/signal-handling shape, adapted from a dev-tool
// front end to a supervisor daemon's event sources (spec §4.7:
// SIGCHLD/SIGTERM/SIGINT/SIGHUP/SIGUSR1/SIGUSR2, the netlink socket,
// the control endpoint, per-service timers).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/config"
	"github.com/hongkongkiwi/servisor/internal/control"
	"github.com/hongkongkiwi/servisor/internal/crashes"
	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/httpapi"
	"github.com/hongkongkiwi/servisor/internal/netlink"
	"github.com/hongkongkiwi/servisor/internal/runlevel"
	"github.com/hongkongkiwi/servisor/internal/service"
	"github.com/hongkongkiwi/servisor/internal/watcher"
)

var version = "0.1"

func main() {
	var (
		descriptorDir string
		condDir       string
		socketPath    string
		httpAddr      string
		debounce      time.Duration
		showVersion   bool
		noNetlink     bool
	)

	flag.StringVar(&descriptorDir, "descriptor-dir", "/etc/servisor", "Directory of *.hjson service descriptors")
	flag.StringVar(&condDir, "cond-dir", "", "Condition store root (overrides system.cond_dir)")
	flag.StringVar(&socketPath, "socket", "", "Control socket path (overrides server.socket)")
	flag.StringVar(&httpAddr, "http", "", "Read-only introspection address (overrides server.http)")
	flag.DurationVar(&debounce, "watch-debounce", 0, "Descriptor directory debounce (overrides watch.debounce)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&noNetlink, "no-netlink", false, "Disable the kernel netlink ingestor (for non-root/container runs)")
	flag.Parse()

	if showVersion {
		fmt.Printf("servisord %s\n", version)
		return
	}

	if err := run(runOptions{
		descriptorDir: descriptorDir,
		condDirFlag:   condDir,
		socketFlag:    socketPath,
		httpFlag:      httpAddr,
		debounceFlag:  debounce,
		noNetlink:     noNetlink,
	}); err != nil {
		log.Fatalf("servisord: %v", err)
	}
}

type runOptions struct {
	descriptorDir string
	condDirFlag   string
	socketFlag    string
	httpFlag      string
	debounceFlag  time.Duration
	noNetlink     bool
}

// daemon bundles every long-lived component wired together by run, so
// shutdown can unwind them in reverse order of construction.
type daemon struct {
	bus           *events.MemoryEventBus
	conds         *cond.Store
	sup           *service.Supervisor
	rl            *runlevel.Manager
	crashes       *crashes.Manager
	netlinkL      *netlink.Listener
	descWatcher   *watcher.DescriptorWatcher
	condWatcher   *watcher.CondWatcher
	controlSrv    *control.Server
	httpSrv       *http.Server
	loader        *config.Loader
	descriptorDir string
}

func run(opts runOptions) error {
	loader := config.NewLoader()
	cfg, err := loader.LoadDir(context.Background(), opts.descriptorDir)
	if err != nil {
		return fmt.Errorf("load descriptors: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.condDirFlag != "" {
		cfg.System.CondDir = opts.condDirFlag
	}
	if opts.socketFlag != "" {
		cfg.Server.Socket = opts.socketFlag
	}
	if opts.httpFlag != "" {
		cfg.Server.HTTP = opts.httpFlag
	}
	if opts.debounceFlag > 0 {
		cfg.Watch.Debounce = opts.debounceFlag.String()
	}

	d := &daemon{descriptorDir: opts.descriptorDir, loader: loader}

	d.conds, err = cond.New(cfg.System.CondDir)
	if err != nil {
		return fmt.Errorf("open condition store: %w", err)
	}

	historyMaxAge, _ := time.ParseDuration(cfg.Events.History.MaxAge)
	d.bus = events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.History.MaxEvents,
		HistoryMaxAge:    historyMaxAge,
	})
	defer d.bus.Close()

	table := service.NewTable()
	d.sup = service.NewSupervisor(table, d.conds, d.bus)

	crashMaxAge, err := parseDurationWithDays(cfg.Crashes.MaxAge)
	if err != nil {
		crashMaxAge = 7 * 24 * time.Hour
	}
	d.crashes, err = crashes.NewManager(crashes.Config{
		ReportsDir: cfg.Crashes.ReportsDir,
		MaxAge:     crashMaxAge,
		MaxCount:   cfg.Crashes.MaxCount,
	}, d.sup, d.bus)
	if err != nil {
		return fmt.Errorf("create crash manager: %w", err)
	}
	if err := d.crashes.Subscribe(); err != nil {
		return fmt.Errorf("subscribe crash manager: %w", err)
	}

	initialRunlevel := parseRunlevelDigit(cfg.System.Runlevel)
	d.rl = runlevel.NewManager(d.sup, d.conds, d.bus, initialRunlevel)
	d.rl.OnHalt = func(n int) { onHalt(d, n) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.sup.Run(ctx)

	// Bootstrap: register every configured service and drive the table
	// to its initial fixed point before serving any requests.
	d.sup.SetRunlevel(initialRunlevel)
	d.sup.Reload(cfg.Services)

	if !opts.noNetlink {
		d.netlinkL = netlink.New(d.conds)
		if err := d.netlinkL.Start(ctx); err != nil {
			log.Printf("netlink ingestor disabled: %v", err)
			d.netlinkL = nil
		}
	}

	watchDir := cfg.Watch.Dir
	if watchDir == "" {
		watchDir = opts.descriptorDir
	}
	watchDebounce, err := time.ParseDuration(cfg.Watch.Debounce)
	if err != nil {
		watchDebounce = 250 * time.Millisecond
	}
	d.descWatcher, err = watcher.NewDescriptorWatcher(d.bus, watchDir, watchDebounce)
	if err != nil {
		log.Printf("descriptor watcher disabled: %v", err)
	} else {
		if _, err := d.bus.SubscribeAsync(events.EventDescriptorChanged, func(ctx context.Context, ev events.Event) error {
			return reloadDescriptors(ctx, d)
		}, 4); err != nil {
			log.Printf("subscribe descriptor watcher: %v", err)
		}
	}

	d.condWatcher, err = watcher.NewCondWatcher(d.bus, cfg.System.CondDir, watchDebounce)
	if err != nil {
		log.Printf("condition watcher disabled: %v", err)
	} else {
		if _, err := d.bus.SubscribeAsync(events.EventConditionChanged, func(ctx context.Context, ev events.Event) error {
			d.sup.StepAll()
			return nil
		}, 4); err != nil {
			log.Printf("subscribe condition watcher: %v", err)
		}
	}

	dispatch := control.NewDispatcher(d.sup, d.rl, loader, opts.descriptorDir)
	dispatch.OnPower = func(a control.PowerAction) { onPower(d, a) }

	d.controlSrv, err = control.Listen(cfg.Server.Socket, dispatch)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	go func() {
		if err := d.controlSrv.Serve(ctx); err != nil {
			log.Printf("control server: %v", err)
		}
	}()

	if cfg.Server.HTTP != "" {
		if err := startHTTP(d, cfg); err != nil {
			log.Printf("introspection HTTP server disabled: %v", err)
		}
	}

	log.Printf("servisord %s started: runlevel=%d services=%d socket=%s", version, initialRunlevel, len(cfg.Services), cfg.Server.Socket)

	waitForSignal(ctx, d)
	return shutdown(d)
}

func startHTTP(d *daemon, cfg *config.Config) error {
	useTLS, err := httpapi.CheckTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		return err
	}

	router := httpapi.NewRouter(httpapi.Dependencies{
		Services:   d.sup,
		Conditions: d.conds,
		Events:     d.bus,
		Runlevel:   d.rl,
	})

	d.httpSrv = &http.Server{Addr: cfg.Server.HTTP, Handler: router}
	go func() {
		var err error
		if useTLS {
			log.Printf("introspection HTTPS listening on %s", cfg.Server.HTTP)
			err = d.httpSrv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			log.Printf("introspection HTTP listening on %s", cfg.Server.HTTP)
			err = d.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("introspection server error: %v", err)
		}
	}()
	return nil
}

func reloadDescriptors(ctx context.Context, d *daemon) error {
	cfg, err := d.loader.LoadDir(ctx, d.descriptorDir)
	if err != nil {
		log.Printf("reload: %v", err)
		return nil
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		log.Printf("reload: invalid configuration: %v", err)
		return nil
	}
	if err := d.rl.RequestReload(ctx, cfg.Services); err != nil {
		log.Printf("reload: %v", err)
	}
	if d.netlinkL != nil {
		if err := d.netlinkL.ReassertAll(); err != nil {
			log.Printf("reload: reassert net/ conditions: %v", err)
		}
	}
	return nil
}

// waitForSignal blocks until a termination signal, SIGHUP reload
// request, or the daemon's own context is cancelled (spec §4.7's
// registered signal set, minus SIGSTOP/CONT/PWR which this process
// never manages itself rather than its children).
func waitForSignal(ctx context.Context, d *daemon) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Printf("SIGHUP received, reloading descriptors")
				if err := reloadDescriptors(ctx, d); err != nil {
					log.Printf("reload on SIGHUP: %v", err)
				}
				continue
			case syscall.SIGUSR1, syscall.SIGUSR2:
				log.Printf("signal %v received (no action bound)", sig)
				continue
			default:
				log.Printf("signal %v received, shutting down", sig)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// onHalt is invoked by the runlevel manager once every service has
// settled after a switch to runlevel 0 or 6 (spec §4.4). A bare-metal
// PID 1 would call reboot(2) here; under test and in non-PID-1
// deployments this just terminates the process with the conventional
// exit status.
func onHalt(d *daemon, n int) {
	log.Printf("runlevel %d reached, all services settled", n)
	_ = shutdown(d)
	os.Exit(0)
}

func onPower(d *daemon, action control.PowerAction) {
	log.Printf("power action requested: %s (no system call bound in this deployment)", action)
}

func shutdown(d *daemon) error {
	log.Printf("shutting down")

	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpSrv.Shutdown(shutdownCtx)
	}
	if d.controlSrv != nil {
		_ = d.controlSrv.Close()
	}
	if d.descWatcher != nil {
		_ = d.descWatcher.Close()
	}
	if d.condWatcher != nil {
		_ = d.condWatcher.Close()
	}
	if d.netlinkL != nil {
		_ = d.netlinkL.Close()
	}

	if d.sup != nil {
		d.sup.SetTeardown(true)
		d.sup.SetNoRespawn(true)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.sup.StopAll(ctx)
	}
	return nil
}

func parseRunlevelDigit(s string) int {
	if len(s) != 1 || s[0] < '0' || s[0] > '9' {
		return 2
	}
	return int(s[0] - '0')
}

func parseDurationWithDays(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
