package usb

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/fastbootd/hal"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// Listener hands out one Transport at a time for a single endpoint pair.
// A USB function has one host, so Accept blocks until the previous
// Transport is closed.
type Listener struct {
	hal     hal.BulkHAL
	out, in uint8
	opts    []Option

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	started bool
	idle    chan struct{}
}

// NewListener creates a Listener for the endpoint pair out/in of h.
// h must be initialized; the first Accept attaches it to the bus.
func NewListener(h hal.BulkHAL, out, in uint8, opts ...Option) *Listener {
	l := &Listener{
		hal:  h,
		out:  out,
		in:   in,
		opts: opts,
		idle: make(chan struct{}, 1),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.idle <- struct{}{}
	return l
}

// Accept waits until the endpoint pair is free and a host is attached.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	if l.ctx.Err() != nil {
		return nil, pkg.ErrClosed
	}
	select {
	case <-l.idle:
	case <-ctx.Done():
		return nil, l.ctxErr(ctx)
	}
	release := func() { l.idle <- struct{}{} }
	if l.ctx.Err() != nil {
		release()
		return nil, pkg.ErrClosed
	}

	if err := l.start(); err != nil {
		release()
		return nil, err
	}
	if err := l.hal.WaitConnect(ctx); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, l.ctxErr(ctx)
		}
		return nil, fmt.Errorf("wait connect: %w", err)
	}

	t, err := New(l.hal, l.out, l.in, l.opts...)
	if err != nil {
		release()
		return nil, err
	}
	t.onClose = release

	pkg.LogDebug(pkg.ComponentTransport, "usb host attached",
		"speed", l.hal.GetSpeed(),
		"packetSize", t.PacketSize())
	return t, nil
}

func (l *Listener) start() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.started {
		return nil
	}
	if err := l.hal.Start(); err != nil {
		return fmt.Errorf("start hal: %w", err)
	}
	l.started = true
	return nil
}

func (l *Listener) ctxErr(ctx context.Context) error {
	if l.ctx.Err() != nil {
		return pkg.ErrClosed
	}
	return ctx.Err()
}

// Close stops the HAL and fails pending Accepts.
func (l *Listener) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.ctx.Err() != nil {
		return nil
	}
	l.cancel()
	return l.hal.Stop()
}

// Addr describes the endpoint pair.
func (l *Listener) Addr() string {
	return fmt.Sprintf("usb:out=0x%02x,in=0x%02x", l.out, l.in)
}

var _ transport.Listener = (*Listener)(nil)
