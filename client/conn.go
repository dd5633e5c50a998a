package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ardnew/fastbootd/hal/fifo"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport/tcp"
)

// Dial connects to a device listening on addr and performs the fastboot
// TCP handshake.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := tcp.Client(nc, cfg.HandshakeTimeout)
	if err != nil {
		nc.Close()
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentTransport, "connected", "addr", addr, "version", conn.Version())
	return New(conn, opts...), nil
}

// USBConn carries host messages over a FIFO HAL endpoint pair as USB bulk
// transfers: a message is split into max-size packets and terminated by a
// short packet, or by a zero-length packet when its length is a multiple
// of the packet size.
type USBConn struct {
	port *fifo.Port

	ctx    context.Context
	cancel context.CancelFunc

	pkt     []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// NewUSBConn wraps an open FIFO port.
func NewUSBConn(port *fifo.Port) *USBConn {
	c := &USBConn{
		port: port,
		pkt:  make([]byte, port.MaxPacketSize()),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// OpenFIFO attaches to the FIFO HAL device in deviceDir on endpoint number
// n and waits for the device to signal connection.
func OpenFIFO(ctx context.Context, deviceDir string, n uint8, opts ...Option) (*Client, error) {
	port, err := fifo.Open(deviceDir, n)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", deviceDir, err)
	}
	if err := port.WaitConnect(ctx); err != nil {
		port.Close()
		return nil, fmt.Errorf("wait connect: %w", err)
	}
	return New(NewUSBConn(port), opts...), nil
}

// Read returns the bytes of one IN packet. A zero-length packet reads as
// (0, nil).
func (c *USBConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		n, err := c.port.ReadPacket(c.ctx, c.pkt)
		if err != nil {
			return 0, err
		}
		c.pending = c.pkt[:n]
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends p as one bulk transfer.
func (c *USBConn) Write(p []byte) (int, error) {
	size := len(c.pkt)
	sent := 0
	for {
		chunk := p[sent:min(sent+size, len(p))]
		if err := c.port.WritePacket(c.ctx, chunk); err != nil {
			return sent, err
		}
		sent += len(chunk)
		if len(chunk) < size {
			return sent, nil
		}
	}
}

// Close detaches from the device.
func (c *USBConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.port.Close()
	})
	return c.closeErr
}
