package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// Listener accepts fastboot TCP connections and completes the handshake
// before handing them out.
type Listener struct {
	ln               net.Listener
	handshakeTimeout time.Duration
	opts             []ConnOption
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithHandshakeTimeout bounds the handshake of each accepted connection.
func WithHandshakeTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.handshakeTimeout = d }
}

// WithConnOptions applies opts to every accepted connection.
func WithConnOptions(opts ...ConnOption) ListenerOption {
	return func(l *Listener) { l.opts = append(l.opts, opts...) }
}

// Listen listens on the TCP network address addr.
func Listen(addr string, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewListener(ln, opts...), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, opts ...ListenerOption) *Listener {
	l := &Listener{ln: ln, handshakeTimeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Accept waits for a connection that completes the handshake.
// Connections that fail the handshake are closed and skipped.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	if d, ok := l.ln.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { d.SetDeadline(time.Now()) })
		defer func() {
			if !stop() {
				d.SetDeadline(time.Time{})
			}
		}()
	}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, pkg.ErrClosed
			}
			return nil, fmt.Errorf("%w: accept: %w", pkg.ErrTransport, err)
		}

		c, err := Server(conn, l.handshakeTimeout, l.opts...)
		if err != nil {
			pkg.LogWarn(pkg.ComponentTransport, "handshake failed",
				"remote", conn.RemoteAddr().String(),
				"error", err)
			conn.Close()
			continue
		}

		pkg.LogDebug(pkg.ComponentTransport, "tcp host connected",
			"remote", conn.RemoteAddr().String(),
			"version", c.Version())
		return c, nil
	}
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listening address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

var _ transport.Listener = (*Listener)(nil)
