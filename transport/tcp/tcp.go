// Package tcp carries fastboot over a TCP stream.
//
// A connection opens with a 4-byte handshake in each direction: "FB"
// followed by a two-digit protocol version. After the handshake every
// message in either direction is an 8-byte big-endian length followed by
// that many bytes of payload.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// DefaultPort is the TCP port fastboot hosts connect to.
const DefaultPort = 5554

// ProtocolVersion is the version sent in the handshake.
const ProtocolVersion = 1

// HandshakeSize is the length of the handshake in each direction.
const HandshakeSize = 4

// HeaderSize is the length of a message header.
const HeaderSize = 8

// DefaultMaxMessageSize bounds the length accepted in a message header.
const DefaultMaxMessageSize = 0xFFFFFFFF

// DefaultHandshakeTimeout bounds the handshake exchange.
const DefaultHandshakeTimeout = 5 * time.Second

// Handshake returns the handshake bytes for version.
func Handshake(version int) []byte {
	return []byte(fmt.Sprintf("FB%02d", version))
}

// ParseHandshake validates a peer handshake and returns its version.
func ParseHandshake(b []byte) (int, error) {
	if len(b) != HandshakeSize || b[0] != 'F' || b[1] != 'B' {
		return 0, fmt.Errorf("%w: bad magic %q", pkg.ErrHandshake, b)
	}
	v, err := strconv.Atoi(string(b[2:]))
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: bad version %q", pkg.ErrHandshake, b[2:])
	}
	return v, nil
}

// Conn is a framed fastboot connection.
// Read returns bytes from at most one message; Write sends p as one message.
type Conn struct {
	conn    net.Conn
	maxSize uint64
	version int

	readMu    sync.Mutex
	remaining uint64
	header    [HeaderSize]byte

	writeMu sync.Mutex
	wheader [HeaderSize]byte

	closeOnce sync.Once
	closeErr  error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithMaxMessageSize bounds the message length accepted from the peer.
func WithMaxMessageSize(n uint64) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

func newConn(conn net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{conn: conn, maxSize: DefaultMaxMessageSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Server performs the device side of the handshake on conn: it reads the
// host handshake and replies with its own.
func Server(conn net.Conn, timeout time.Duration, opts ...ConnOption) (*Conn, error) {
	c := newConn(conn, opts...)
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	var hs [HandshakeSize]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		return nil, fmt.Errorf("%w: read: %w", pkg.ErrHandshake, err)
	}
	v, err := ParseHandshake(hs[:])
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(Handshake(ProtocolVersion)); err != nil {
		return nil, fmt.Errorf("%w: write: %w", pkg.ErrHandshake, err)
	}
	c.version = min(v, ProtocolVersion)
	return c, nil
}

// Client performs the host side of the handshake on conn.
func Client(conn net.Conn, timeout time.Duration, opts ...ConnOption) (*Conn, error) {
	c := newConn(conn, opts...)
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(Handshake(ProtocolVersion)); err != nil {
		return nil, fmt.Errorf("%w: write: %w", pkg.ErrHandshake, err)
	}
	var hs [HandshakeSize]byte
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		return nil, fmt.Errorf("%w: read: %w", pkg.ErrHandshake, err)
	}
	v, err := ParseHandshake(hs[:])
	if err != nil {
		return nil, err
	}
	c.version = min(v, ProtocolVersion)
	return c, nil
}

// Version returns the negotiated protocol version.
func (c *Conn) Version() int { return c.version }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Read fills p from the current message, reading the next header first
// when the previous message is exhausted. It stops at the message boundary,
// so a command record is always returned whole. A zero-length message
// yields (0, nil).
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.remaining == 0 {
		if _, err := io.ReadFull(c.conn, c.header[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, fmt.Errorf("message header: %w", err)
			}
			return 0, c.mapErr(err)
		}
		size := binary.BigEndian.Uint64(c.header[:])
		if size > c.maxSize {
			return 0, fmt.Errorf("%w: %d bytes", pkg.ErrMessageTooLarge, size)
		}
		c.remaining = size
		if size == 0 {
			return 0, nil
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := io.ReadFull(c.conn, p)
	c.remaining -= uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, c.mapErr(err)
	}
	return n, nil
}

// DiscardMessage drops the unread remainder of the current message.
func (c *Conn) DiscardMessage() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.remaining == 0 {
		return nil
	}
	n, err := io.CopyN(io.Discard, c.conn, int64(c.remaining))
	c.remaining -= uint64(n)
	return c.mapErr(err)
}

// Write sends p as one message. Header and payload go out in one vectored
// write so the payload is never copied.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	binary.BigEndian.PutUint64(c.wheader[:], uint64(len(p)))
	bufs := net.Buffers{c.wheader[:], p}
	n, err := bufs.WriteTo(c.conn)
	written := max(int(n)-HeaderSize, 0)
	if err != nil {
		return written, c.mapErr(err)
	}
	return written, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return pkg.ErrClosed
	}
	return err
}

var (
	_ transport.Transport = (*Conn)(nil)
	_ transport.Discarder = (*Conn)(nil)
)
