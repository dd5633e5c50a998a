package pkg

import (
	"errors"
	"fmt"
)

// Protocol errors. These are recovered locally: the command fails and the
// session keeps running.
var (
	// ErrProtocol indicates a malformed command or argument.
	ErrProtocol = errors.New("protocol error")

	// ErrUnknownCommand indicates a command token with no registered handler.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrEmptyCommand indicates a zero-length command record.
	ErrEmptyCommand = errors.New("empty command")

	// ErrCommandTooLong indicates a command record beyond the configured maximum.
	ErrCommandTooLong = errors.New("command too long")

	// ErrSizeLimitExceeded indicates a declared transfer size above the configured maximum.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrBusy indicates a data phase is already active on the session.
	ErrBusy = errors.New("transfer in progress")

	// ErrInvalidPhase indicates a buffer operation not allowed in the current phase.
	ErrInvalidPhase = errors.New("invalid transfer phase")

	// ErrNoData indicates no completed payload is available.
	ErrNoData = errors.New("no data")

	// ErrOverrun indicates more bytes were transferred than declared.
	ErrOverrun = errors.New("data overrun")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrLocked indicates the operation requires an unlocked device.
	ErrLocked = errors.New("device is locked")
)

// Transport errors. These are fatal to the session.
var (
	// ErrTransport indicates a read or write failure on the transport.
	ErrTransport = errors.New("transport error")

	// ErrShortTransfer indicates the transport closed in the middle of a data phase.
	ErrShortTransfer = errors.New("short transfer")

	// ErrClosed indicates the transport or listener has been closed.
	ErrClosed = errors.New("closed")

	// ErrHandshake indicates the transport handshake failed.
	ErrHandshake = errors.New("handshake failed")

	// ErrMessageTooLarge indicates a framed message beyond the transport's limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotConfigured indicates the HAL or transport is not initialized.
	ErrNotConfigured = errors.New("not configured")

	// ErrAlreadyRunning indicates the HAL or server is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrCancelled indicates a blocking operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// Storage errors.
var (
	// ErrNoPartition indicates the named partition does not exist.
	ErrNoPartition = errors.New("no such partition")

	// ErrNoSlot indicates the named slot does not exist.
	ErrNoSlot = errors.New("no such slot")

	// ErrReadOnly indicates a write to a read-only partition.
	ErrReadOnly = errors.New("partition is read-only")

	// ErrOutOfRange indicates an access beyond the end of a partition.
	ErrOutOfRange = errors.New("out of range")
)

// Configuration errors.
var (
	// ErrInvalidConfig indicates a configuration document that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// SizeLimitError reports a declared transfer size above the configured limit.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("requested size 0x%x exceeds limit 0x%x", e.Size, e.Limit)
}

// Unwrap allows errors.Is(err, ErrSizeLimitExceeded).
func (e *SizeLimitError) Unwrap() error {
	return ErrSizeLimitExceeded
}

// PhaseError reports a transfer buffer operation attempted in the wrong
// phase.
type PhaseError struct {
	Op        string // declare, begin, advance, settle
	Direction string // download or upload
	Phase     string // phase the buffer was in
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s %s buffer in phase %s: %v", e.Op, e.Direction, e.Phase, ErrInvalidPhase)
}

// Unwrap allows errors.Is(err, ErrInvalidPhase).
func (e *PhaseError) Unwrap() error {
	return ErrInvalidPhase
}

// PartitionError reports a failed partition operation.
type PartitionError struct {
	Op        string
	Partition string
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Partition, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must terminate the session rather than be
// reported to the host as a FAIL response.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrShortTransfer) ||
		errors.Is(err, ErrClosed)
}
