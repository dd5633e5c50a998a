// Package transport defines the byte channel contract between the fastboot
// protocol engine and the link that carries it.
//
// Concrete transports live in subpackages:
//
//   - [github.com/ardnew/fastbootd/transport/tcp] - fastboot over TCP
//   - [github.com/ardnew/fastbootd/transport/usb] - fastboot over a USB bulk endpoint pair
//
// Transports are message-oriented where the link is: a Read returns at most
// the remainder of one host message (one USB bulk transfer, one TCP
// packet), so a command record never merges with the record that follows.
package transport

import (
	"context"
	"io"
)

// Transport is a blocking byte channel owned by exactly one session.
//
// Read reads up to len(p) bytes. It may return fewer bytes than requested
// (a short read) and never returns bytes from more than one host message.
// Read returns io.EOF when the peer has closed the link.
//
// Write writes all of p or returns an error; a short write without an error
// is a contract violation.
//
// Close releases the link. Closing is the only way to abort a blocked Read
// or Write.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Discarder is implemented by message-oriented transports that can drop the
// unread remainder of the current host message.
type Discarder interface {
	DiscardMessage() error
}

// Listener produces one Transport per host connection.
type Listener interface {
	// Accept blocks until a host connects or ctx is cancelled.
	Accept(ctx context.Context) (Transport, error)

	// Close stops accepting connections. Accept calls blocked in another
	// goroutine return pkg.ErrClosed.
	Close() error

	// Addr describes where the listener accepts connections.
	Addr() string
}

// Discard drops the remainder of the current message on t when t supports
// it. It reports whether anything was done.
func Discard(t Transport) (bool, error) {
	d, ok := t.(Discarder)
	if !ok {
		return false, nil
	}
	return true, d.DiscardMessage()
}
