package fastboot

import (
	"fmt"

	"github.com/ardnew/fastbootd/pkg"
)

// Phase is the state of a transfer buffer.
type Phase uint8

// Transfer phases.
const (
	PhaseIdle         Phase = iota // No transfer in progress
	PhaseSized                     // Size declared, storage allocated
	PhaseTransferring              // DATA announced, raw bytes moving
	PhaseComplete                  // Declared size reached
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSized:
		return "sized"
	case PhaseTransferring:
		return "transferring"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Direction identifies which way a buffer's payload moves.
type Direction uint8

// Transfer directions.
const (
	DirectionDownload Direction = iota // Host to device
	DirectionUpload                    // Device to host
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// PhaseObserver is notified of every phase change of a buffer.
type PhaseObserver func(dir Direction, from, to Phase)

// Buffer holds the payload and progress of one binary transfer.
//
// The payload of a transfer becomes visible through Bytes only after the
// transfer reached its declared size and was settled. Any earlier Abort or
// a new Declare drops it.
type Buffer struct {
	dir      Direction
	limit    int64
	phase    Phase
	data     []byte
	size     int64
	done     int64
	settled  bool
	observer PhaseObserver
}

// NewBuffer creates an idle buffer that accepts transfers up to limit bytes.
func NewBuffer(dir Direction, limit int64) *Buffer {
	return &Buffer{dir: dir, limit: limit}
}

// Direction returns the transfer direction of the buffer.
func (b *Buffer) Direction() Direction { return b.dir }

// Phase returns the current phase.
func (b *Buffer) Phase() Phase { return b.phase }

// Size returns the declared size of the current or last transfer.
func (b *Buffer) Size() int64 { return b.size }

// Transferred returns the number of bytes moved so far.
func (b *Buffer) Transferred() int64 { return b.done }

// Remaining returns the number of bytes still to move.
func (b *Buffer) Remaining() int64 { return b.size - b.done }

// Limit returns the largest size Declare accepts.
func (b *Buffer) Limit() int64 { return b.limit }

// Declare starts a new transfer of size bytes (Idle → Sized).
// An oversized declaration returns a *pkg.SizeLimitError and leaves the
// buffer Idle.
func (b *Buffer) Declare(size int64) error {
	if b.phase != PhaseIdle {
		return b.phaseError("declare")
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", pkg.ErrInvalidParameter, size)
	}
	if size > b.limit {
		return &pkg.SizeLimitError{Size: size, Limit: b.limit}
	}

	if int64(cap(b.data)) >= size {
		b.data = b.data[:size]
	} else {
		b.data = make([]byte, size)
	}
	b.size = size
	b.done = 0
	b.settled = false
	b.setPhase(PhaseSized)
	return nil
}

// Stage declares a transfer of len(data) bytes and fills it with a copy of
// data, leaving the buffer Sized and ready to drain. Used for uploads,
// whose payload is produced before the phase starts.
func (b *Buffer) Stage(data []byte) error {
	return b.StageFunc(int64(len(data)), func(p []byte) error {
		copy(p, data)
		return nil
	})
}

// StageFunc declares a transfer of size bytes and lets fill produce the
// payload in place. A fill error aborts the transfer.
func (b *Buffer) StageFunc(size int64, fill func(p []byte) error) error {
	if err := b.Declare(size); err != nil {
		return err
	}
	if err := fill(b.data); err != nil {
		b.Abort()
		return err
	}
	return nil
}

// Begin moves a sized buffer into the raw transfer (Sized → Transferring).
// A zero-length transfer completes immediately.
func (b *Buffer) Begin() error {
	if b.phase != PhaseSized {
		return b.phaseError("begin")
	}
	b.setPhase(PhaseTransferring)
	if b.size == 0 {
		b.setPhase(PhaseComplete)
	}
	return nil
}

// Window returns the next region to fill (download) or drain (upload),
// at most n bytes long (unbounded if n <= 0). It returns nil outside the
// Transferring phase.
func (b *Buffer) Window(n int) []byte {
	if b.phase != PhaseTransferring {
		return nil
	}
	end := b.size
	if n > 0 && b.done+int64(n) < end {
		end = b.done + int64(n)
	}
	return b.data[b.done:end]
}

// Advance records n more bytes transferred. Reaching the declared size
// moves the buffer to Complete.
func (b *Buffer) Advance(n int) error {
	if b.phase != PhaseTransferring {
		return b.phaseError("advance")
	}
	if n < 0 || b.done+int64(n) > b.size {
		return fmt.Errorf("%w: %d bytes past %d of %d", pkg.ErrOverrun, n, b.done, b.size)
	}
	b.done += int64(n)
	if b.done == b.size {
		b.setPhase(PhaseComplete)
	}
	return nil
}

// Settle ends a completed transfer (Complete → Idle) and publishes its
// payload through Bytes.
func (b *Buffer) Settle() error {
	if b.phase != PhaseComplete {
		return b.phaseError("settle")
	}
	b.settled = true
	b.setPhase(PhaseIdle)
	return nil
}

// Abort drops the transfer in any phase and releases the storage.
func (b *Buffer) Abort() {
	b.data = nil
	b.size = 0
	b.done = 0
	b.settled = false
	if b.phase != PhaseIdle {
		b.setPhase(PhaseIdle)
	}
}

// Settled reports whether the last transfer completed and its payload is
// still held. A settled zero-length transfer has a nil payload.
func (b *Buffer) Settled() bool { return b.settled }

// Bytes returns the payload of the last settled transfer, or nil.
func (b *Buffer) Bytes() []byte {
	if !b.settled {
		return nil
	}
	return b.data[:b.size]
}

// Observe installs fn to be called on every phase change.
func (b *Buffer) Observe(fn PhaseObserver) {
	b.observer = fn
}

func (b *Buffer) setPhase(p Phase) {
	from := b.phase
	b.phase = p
	pkg.LogDebug(pkg.ComponentTransfer, "phase",
		"direction", b.dir,
		"from", from,
		"to", p,
		"size", b.size,
		"done", b.done)
	if b.observer != nil {
		b.observer(b.dir, from, p)
	}
}

func (b *Buffer) phaseError(op string) error {
	return &pkg.PhaseError{Op: op, Direction: b.dir.String(), Phase: b.phase.String()}
}
