// Package usb carries fastboot over a USB bulk endpoint pair.
//
// The host sends each command as one bulk OUT transfer and the device
// answers each response with one bulk IN transfer. A transfer ends with a
// packet shorter than the endpoint's max packet size; a transfer whose
// length is a non-zero multiple of the max packet size ends with a
// zero-length packet (ZLP).
package usb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ardnew/fastbootd/hal"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// Default endpoint addresses of the fastboot interface.
const (
	DefaultOutAddress uint8 = 0x01
	DefaultInAddress  uint8 = 0x81
)

// Transport implements transport.Transport over one bulk OUT and one bulk
// IN endpoint of a hal.BulkHAL.
type Transport struct {
	hal        hal.BulkHAL
	out, in    uint8
	packetSize int
	zlp        bool

	ctx    context.Context
	cancel context.CancelFunc

	pkt       []byte
	pending   []byte
	inMessage bool // the last packet was full-size; the transfer may continue

	closeOnce sync.Once
	onClose   func()
}

// Option configures a Transport.
type Option func(*Transport)

// WithPacketSize overrides the packet size derived from the HAL speed.
func WithPacketSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.packetSize = n
		}
	}
}

// WithZLP controls whether writes that fill their last packet are
// terminated with a zero-length packet. Enabled by default.
func WithZLP(enabled bool) Option {
	return func(t *Transport) { t.zlp = enabled }
}

// New binds a Transport to the endpoint pair out/in of h.
func New(h hal.BulkHAL, out, in uint8, opts ...Option) (*Transport, error) {
	if hal.IsIn(out) || !hal.IsIn(in) ||
		hal.EndpointNumber(out) == 0 || hal.EndpointNumber(in) == 0 {
		return nil, fmt.Errorf("out 0x%02x in 0x%02x: %w", out, in, pkg.ErrInvalidEndpoint)
	}
	t := &Transport{
		hal:        h,
		out:        out,
		in:         in,
		packetSize: h.GetSpeed().BulkPacketSize(),
		zlp:        true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.packetSize <= 0 {
		return nil, fmt.Errorf("speed %s: %w", h.GetSpeed(), pkg.ErrNotSupported)
	}
	t.pkt = make([]byte, t.packetSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// PacketSize returns the max packet size used to split transfers.
func (t *Transport) PacketSize() int { return t.packetSize }

// Read reads from the current OUT transfer. It never returns bytes from two
// transfers; an empty read means a zero-length packet arrived between
// transfers.
func (t *Transport) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, pkg.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}

	n := 0
	for n < len(p) {
		k, err := t.readPacket()
		if err != nil {
			return n, err
		}
		c := copy(p[n:], t.pkt[:k])
		n += c
		if c < k {
			t.pending = t.pkt[c:k]
			t.inMessage = true
			return n, nil
		}
		if k < t.packetSize {
			t.inMessage = false
			return n, nil
		}
		t.inMessage = true
	}
	return n, nil
}

func (t *Transport) readPacket() (int, error) {
	k, err := t.hal.Read(t.ctx, t.out, t.pkt)
	if err != nil {
		if t.ctx.Err() != nil {
			return 0, pkg.ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("bulk out 0x%02x: %w", t.out, err)
	}
	return k, nil
}

// DiscardMessage drops the unread remainder of the current OUT transfer.
func (t *Transport) DiscardMessage() error {
	t.pending = nil
	for t.inMessage {
		k, err := t.readPacket()
		if err != nil {
			t.inMessage = false
			return err
		}
		if k < t.packetSize {
			t.inMessage = false
		}
	}
	return nil
}

// Write sends p as one IN transfer split into max-packet-sized packets.
func (t *Transport) Write(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, pkg.ErrClosed
	}
	written := 0
	for written < len(p) {
		chunk := p[written:min(written+t.packetSize, len(p))]
		n, err := t.hal.Write(t.ctx, t.in, chunk)
		written += n
		if err != nil {
			if t.ctx.Err() != nil {
				return written, pkg.ErrClosed
			}
			return written, fmt.Errorf("bulk in 0x%02x: %w", t.in, err)
		}
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
	}
	if t.zlp && len(p) > 0 && len(p)%t.packetSize == 0 {
		if _, err := t.hal.Write(t.ctx, t.in, nil); err != nil {
			return written, fmt.Errorf("bulk in 0x%02x zlp: %w", t.in, err)
		}
	}
	return written, nil
}

// Close aborts blocked I/O. The HAL stays attached; the next session on the
// endpoint pair comes from the Listener.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
		pkg.LogDebug(pkg.ComponentTransport, "usb transport closed")
	})
	return nil
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Discarder = (*Transport)(nil)
)
