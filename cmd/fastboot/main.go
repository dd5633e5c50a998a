// Package main provides a minimal fastboot host tool for fastbootd.
//
// Usage:
//
//	fastboot [options] <command> [args...]
//
// Commands:
//
//	getvar <name>                 print a variable ("all" prints every variable)
//	download <file>               download a file into the device buffer
//	upload <file>                 save the device's staged upload payload
//	flash <partition> <file>      download and flash a file
//	erase <partition>             erase a partition
//	fetch <partition> <file>      read a partition into a file
//	set_active <slot>             change the active slot
//	flashing <verb>               lock, unlock or get_unlock_ability
//	oem <verb> [args...]          run an OEM command
//	reboot[-bootloader|-fastboot|-recovery], continue
//	raw <command>                 send a command line verbatim
//
// Options:
//
//	-tcp address               Connect over TCP (default: 127.0.0.1:5554)
//	-bus dir                   Attach to the first FIFO HAL device in dir instead
//	-timeout duration          Connection timeout (default: 10s)
//	-v                         Enable verbose (debug) logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ardnew/fastbootd/client"
	"github.com/ardnew/fastbootd/hal/fifo"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport/tcp"
)

var errUsage = errors.New("usage: fastboot [options] <command> [args...]")

func main() {
	addr := flag.String("tcp", fmt.Sprintf("127.0.0.1:%d", tcp.DefaultPort), "device TCP address")
	busDir := flag.String("bus", "", "FIFO bus directory")
	timeout := flag.Duration("timeout", 10*time.Second, "connection timeout")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, errUsage)
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, *timeout)
	c, err := connect(connectCtx, *addr, *busDir)
	connectCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := run(c, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		c.Close()
		os.Exit(1)
	}
}

func connect(ctx context.Context, addr, busDir string) (*client.Client, error) {
	opts := []client.Option{
		client.WithInfo(func(line string) { fmt.Printf("(info) %s\n", line) }),
	}
	if busDir == "" {
		return client.Dial(ctx, addr, opts...)
	}
	devices, err := fifo.Devices(busDir)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no device in %s", busDir)
	}
	return client.OpenFIFO(ctx, devices[0], 1, opts...)
}

func run(c *client.Client, args []string) error {
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "getvar":
		if err := need(1); err != nil {
			return err
		}
		if args[0] == "all" {
			vars, err := c.GetVarAll()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s: %s\n", name, vars[name])
			}
			return nil
		}
		v, err := c.GetVar(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], v)
		return nil

	case "download":
		if err := need(1); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return c.Download(data)

	case "upload":
		if err := need(1); err != nil {
			return err
		}
		data, err := c.Upload()
		if err != nil {
			return err
		}
		return os.WriteFile(args[0], data, 0o644)

	case "flash":
		if err := need(2); err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sending '%s' (%d KB)\n", args[0], len(data)/1024)
		return c.Flash(args[0], data)

	case "erase":
		if err := need(1); err != nil {
			return err
		}
		return c.Erase(args[0])

	case "fetch":
		if err := need(2); err != nil {
			return err
		}
		data, err := c.Fetch(args[0], 0, -1)
		if err != nil {
			return err
		}
		return os.WriteFile(args[1], data, 0o644)

	case "set_active":
		if err := need(1); err != nil {
			return err
		}
		return c.SetActive(args[0])

	case "flashing":
		if err := need(1); err != nil {
			return err
		}
		_, err := c.Command("flashing " + args[0])
		return err

	case "oem":
		if len(args) == 0 {
			return fmt.Errorf("oem: missing verb")
		}
		_, err := c.Oem(strings.Join(args, " "))
		return err

	case "reboot", "reboot-bootloader", "reboot-fastboot", "reboot-recovery", "continue":
		if err := need(0); err != nil {
			return err
		}
		return c.Reboot(cmd)

	case "raw":
		if len(args) == 0 {
			return fmt.Errorf("raw: missing command")
		}
		resp, err := c.Command(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", resp.Status, resp.Message)
		return nil

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}
