// Package main provides fastbootd, a fastboot device daemon.
//
// fastbootd serves the standard fastboot command set over TCP or over the
// FIFO HAL, which simulates a USB bulk endpoint pair with named pipes.
//
// Usage:
//
//	fastbootd [options]
//
// Options:
//
//	-config path       Device configuration file (default: built-in simulated A/B device)
//	-transport name    tcp or fifo (default: tcp)
//	-addr address      TCP listen address (overrides the configuration)
//	-bus dir           FIFO bus directory (overrides the configuration)
//	-v                 Enable verbose (debug) logging
//	-json              Use JSON log format
//	-profile dir       Write pprof profiles to dir (requires -tags profile)
//
// "reboot" and "continue" end the daemon after their OKAY; the other
// reboot commands only end the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ardnew/fastbootd/commands"
	"github.com/ardnew/fastbootd/config"
	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/hal/fifo"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/pkg/prof"
	"github.com/ardnew/fastbootd/storage"
	"github.com/ardnew/fastbootd/transport"
	"github.com/ardnew/fastbootd/transport/tcp"
	"github.com/ardnew/fastbootd/transport/usb"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentServer

// Transport names accepted by -transport.
const (
	transportTCP  = "tcp"
	transportFIFO = "fifo"
)

// startProfile begins pprof capture for -profile.
var startProfile = prof.Start

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the daemon with command-line arguments args and returns the
// process exit code. Deferred cleanup, including writing profiles, has run
// by the time it returns.
func execute(args []string) int {
	fs := flag.NewFlagSet("fastbootd", flag.ContinueOnError)
	configPath := fs.String("config", "", "device configuration file")
	transportName := fs.String("transport", transportTCP, "transport: tcp or fifo")
	addr := fs.String("addr", "", "TCP listen address")
	busDir := fs.String("bus", "", "FIFO bus directory")
	verbose := fs.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := fs.Bool("json", false, "use JSON log format")
	profileDir := fs.String("profile", "", "write pprof profiles to this directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Set up logging
	pkg.SetLogLevel(slog.LevelInfo)
	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			pkg.LogError(component, "failed to load configuration", "error", err)
			return 1
		}
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *busDir != "" {
		cfg.BusDir = *busDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			pkg.LogInfo(component, "shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if *profileDir != "" {
		stop, err := startProfile(*profileDir)
		if err != nil {
			pkg.LogError(component, "failed to start profiling", "error", err)
			return 1
		}
		defer func() {
			if err := stop(); err != nil {
				pkg.LogError(component, "failed to write profiles", "error", err)
			}
		}()
	}

	if err := serve(ctx, cfg, *transportName); err != nil {
		pkg.LogError(component, "server failed", "error", err)
		return 1
	}
	return 0
}

// serve builds the daemon and runs it until it stops.
func serve(ctx context.Context, cfg *config.Config, transportName string) error {
	d, err := newDaemon(ctx, cfg, transportName)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return d.run(ctx)
}

// daemon is one configured device bound to one listener.
type daemon struct {
	table    *storage.Table
	device   *commands.Device
	listener transport.Listener
	server   *fastboot.Server

	// exit is closed by a reboot that leaves fastboot mode.
	exit     chan struct{}
	exitOnce sync.Once
}

func newDaemon(ctx context.Context, cfg *config.Config, transportName string) (*daemon, error) {
	table, err := cfg.BuildTable()
	if err != nil {
		return nil, fmt.Errorf("build partition table: %w", err)
	}
	d := &daemon{table: table, exit: make(chan struct{})}

	opts := append(cfg.DeviceOptions(), commands.WithRebootHook(d.reboot))
	if d.device, err = commands.NewDevice(cfg.DeviceInfo(), table, opts...); err != nil {
		table.Close()
		return nil, err
	}
	cmds, err := d.device.Commands(nil)
	if err != nil {
		table.Close()
		return nil, err
	}

	if d.listener, err = listen(ctx, cfg, transportName); err != nil {
		table.Close()
		return nil, err
	}
	if d.server, err = fastboot.NewServer(d.listener, cmds, cfg.FastbootOptions()...); err != nil {
		d.listener.Close()
		table.Close()
		return nil, err
	}
	return d, nil
}

func listen(ctx context.Context, cfg *config.Config, transportName string) (transport.Listener, error) {
	switch transportName {
	case transportTCP:
		ln, err := tcp.Listen(cfg.Listen)
		if err != nil {
			return nil, err
		}
		return ln, nil

	case transportFIFO:
		if err := os.MkdirAll(cfg.BusDir, 0o755); err != nil {
			return nil, fmt.Errorf("create bus directory: %w", err)
		}
		h := fifo.New(cfg.BusDir, 1)
		if err := h.Init(ctx); err != nil {
			return nil, fmt.Errorf("init fifo hal: %w", err)
		}
		pkg.LogInfo(component, "fifo device created", "deviceDir", h.DeviceDir())
		return usb.NewListener(h, usb.DefaultOutAddress, usb.DefaultInAddress), nil

	default:
		return nil, fmt.Errorf("%w: transport %q", pkg.ErrInvalidParameter, transportName)
	}
}

// reboot runs after the host received OKAY for a reboot command.
func (d *daemon) reboot(target commands.RebootTarget) error {
	pkg.LogInfo(component, "reboot requested", "target", target)
	switch target {
	case commands.RebootSystem, commands.RebootContinue:
		d.exitOnce.Do(func() { close(d.exit) })
	}
	return nil
}

// run serves until ctx is cancelled or a reboot leaves fastboot mode.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.exit:
			pkg.LogInfo(component, "leaving fastboot mode")
			cancel()
		case <-ctx.Done():
		}
	}()

	err := d.server.Serve(ctx)
	if cerr := d.server.Close(); cerr != nil && !errors.Is(cerr, pkg.ErrClosed) {
		pkg.LogDebug(component, "listener close", "error", cerr)
	}
	return errors.Join(err, d.table.Close())
}
