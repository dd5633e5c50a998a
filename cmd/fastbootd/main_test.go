package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/fastbootd/client"
	"github.com/ardnew/fastbootd/config"
	"github.com/ardnew/fastbootd/hal/fifo"
	"github.com/ardnew/fastbootd/pkg"
)

func start(t *testing.T, cfg *config.Config, transportName string) (*daemon, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d, err := newDaemon(ctx, cfg, transportName)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	return d, done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonTCPRebootExits(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	d, done := start(t, cfg, transportTCP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, d.listener.Addr())
	require.NoError(t, err)
	defer c.Close()

	v, err := c.GetVar("serialno")
	require.NoError(t, err)
	assert.Equal(t, cfg.Serial, v)

	require.NoError(t, c.Reboot("reboot"))
	wait(t, done)
}

func TestDaemonRebootBootloaderKeepsServing(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	d, done := start(t, cfg, transportTCP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, d.listener.Addr())
	require.NoError(t, err)
	require.NoError(t, c.Reboot("reboot-bootloader"))
	c.Close()

	c, err = client.Dial(ctx, d.listener.Addr())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.GetVar("product")
	require.NoError(t, err)

	require.NoError(t, c.Reboot("continue"))
	wait(t, done)
}

func TestDaemonFIFO(t *testing.T) {
	cfg := config.Default()
	cfg.BusDir = t.TempDir()
	_, done := start(t, cfg, transportFIFO)

	devices, err := fifo.Devices(cfg.BusDir)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.OpenFIFO(ctx, devices[0], 1)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.GetVar("version")
	require.NoError(t, err)
	assert.Equal(t, "0.4", v)

	require.NoError(t, c.Reboot("reboot"))
	wait(t, done)

	devices, err = fifo.Devices(cfg.BusDir)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUnknownTransport(t *testing.T) {
	_, err := newDaemon(context.Background(), config.Default(), "serial")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestExecuteWritesProfilesOnFailure(t *testing.T) {
	stopped := 0
	var dir string
	saved := startProfile
	startProfile = func(d string) (func() error, error) {
		dir = d
		return func() error {
			stopped++
			return nil
		}, nil
	}
	t.Cleanup(func() { startProfile = saved })

	profiles := t.TempDir()
	code := execute([]string{"-transport", "usb", "-profile", profiles})
	assert.Equal(t, 1, code)
	assert.Equal(t, profiles, dir)
	assert.Equal(t, 1, stopped, "profiles are written before exit")

	assert.Equal(t, 2, execute([]string{"-no-such-flag"}))
}
