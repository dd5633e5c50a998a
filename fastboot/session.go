package fastboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/transport"
)

// State is the state of a session's command loop.
type State uint8

// Session states.
const (
	StateAwaitCommand State = iota // Waiting for the next command record
	StateDispatching               // A handler is running
	StateClosed                    // Transport released, no further I/O
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateAwaitCommand:
		return "await-command"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxEmptyReads bounds consecutive zero-byte reads without error during a
// data phase before the transport is considered stuck.
const maxEmptyReads = 100

// Session is one fastboot connection. It exclusively owns its transport and
// both transfer buffers; the command table is shared read-only.
//
// A Session is driven by a single goroutine through Run. The only method
// safe to call concurrently with Run is Close.
type Session struct {
	id        string
	transport transport.Transport
	commands  *CommandTable
	config    Config
	log       *slog.Logger

	download *Buffer
	upload   *Buffer
	active   *Buffer

	cmdBuf  []byte
	respBuf []byte

	state          State
	terminal       bool
	closeRequested bool
	err            error

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session over t dispatching to commands.
func NewSession(t transport.Transport, commands *CommandTable, opts ...Option) (*Session, error) {
	if t == nil || commands == nil {
		return nil, fmt.Errorf("%w: nil transport or command table", pkg.ErrInvalidParameter)
	}
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		transport: t,
		commands:  commands,
		config:    cfg,
		log:       pkg.Logger(pkg.ComponentSession).With("session", id),
		download:  NewBuffer(DirectionDownload, cfg.MaxDownloadSize),
		upload:    NewBuffer(DirectionUpload, cfg.MaxDownloadSize),
		// One extra byte detects records longer than the limit.
		cmdBuf:  make([]byte, cfg.MaxCommandLength+1),
		respBuf: make([]byte, cfg.MaxResponseLength),
	}
	return s, nil
}

// ID returns the unique identifier of the session, used in log records.
func (s *Session) ID() string { return s.id }

// Config returns the protocol limits of the session.
func (s *Session) Config() Config { return s.config }

// State returns the state of the command loop.
func (s *Session) State() State { return s.state }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error { return s.err }

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// DownloadBuffer returns the host-to-device transfer buffer.
func (s *Session) DownloadBuffer() *Buffer { return s.download }

// UploadBuffer returns the device-to-host transfer buffer.
func (s *Session) UploadBuffer() *Buffer { return s.upload }

// DownloadData returns the payload of the last completed download, or nil.
func (s *Session) DownloadData() []byte { return s.download.Bytes() }

// ObservePhases installs fn on both transfer buffers.
func (s *Session) ObservePhases(fn PhaseObserver) {
	s.download.Observe(fn)
	s.upload.Observe(fn)
}

// RequestClose asks the loop to end after the current command's terminal
// response, as after a reboot.
func (s *Session) RequestClose() {
	s.closeRequested = true
}

// CloseRequested reports whether a handler asked the session to end.
func (s *Session) CloseRequested() bool { return s.closeRequested }

// Close closes the transport. It is safe to call from any goroutine and
// unblocks a Run blocked in transport I/O.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

// Run reads and dispatches command records until the host disconnects, a
// handler requests close, the transport fails, or ctx is cancelled.
// Run returns nil for an orderly close.
func (s *Session) Run(ctx context.Context) error {
	if s.state == StateClosed {
		return pkg.ErrClosed
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.shutdown()

	s.log.Info("session opened")

	for !s.closeRequested {
		n, err := s.readCommand()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("host disconnected")
				return nil
			}
			return s.fatal(fmt.Errorf("%w: read command: %w", pkg.ErrTransport, err))
		}

		s.Dispatch(s.cmdBuf[:n])
		if s.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.err
		}
	}

	s.log.Info("session close requested")
	return nil
}

// readCommand reads one command record into cmdBuf.
func (s *Session) readCommand() (int, error) {
	for {
		n, err := s.transport.Read(s.cmdBuf)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		// Zero-length packets between commands carry nothing.
	}
}

// shutdown releases both buffers and the transport.
func (s *Session) shutdown() {
	s.download.Abort()
	s.upload.Abort()
	s.active = nil
	s.state = StateClosed
	if err := s.Close(); err != nil {
		s.log.Debug("transport close", "error", err)
	}
	s.log.Info("session closed", "error", s.err)
}

// Dispatch executes one command record and guarantees that exactly one
// terminal response reaches the wire for it, unless the transport fails.
func (s *Session) Dispatch(line []byte) {
	if s.state == StateClosed || s.err != nil {
		return
	}
	s.state = StateDispatching
	s.terminal = false
	defer func() {
		if s.state == StateDispatching {
			s.state = StateAwaitCommand
		}
	}()

	if len(line) > s.config.MaxCommandLength {
		s.log.Warn("command too long", "length", len(line), "limit", s.config.MaxCommandLength)
		if _, err := transport.Discard(s.transport); err != nil {
			s.fatal(fmt.Errorf("%w: discard: %w", pkg.ErrTransport, err))
			return
		}
		s.finish(Fail(pkg.ErrCommandTooLong.Error()))
		return
	}
	if len(line) == 0 {
		s.finish(Fail(pkg.ErrEmptyCommand.Error()))
		return
	}

	name, arg, h, ok := s.commands.Match(string(line))
	if !ok {
		pkg.LogDebug(pkg.ComponentDispatch, "unknown command", "session", s.id, "command", name)
		s.finish(Fail(pkg.ErrUnknownCommand.Error()))
		return
	}

	pkg.LogDebug(pkg.ComponentDispatch, "command", "session", s.id, "command", name, "arg", arg)
	s.finish(s.invoke(h, name, arg))
}

// invoke runs h, converting a panic into a failure outcome.
func (s *Session) invoke(h Handler, name, arg string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "command", name, "panic", r)
			if s.active != nil {
				// The host is mid-phase; no record can follow safely.
				s.fatal(fmt.Errorf("%w: %s panicked during %s phase",
					pkg.ErrProtocol, name, s.active.Direction()))
			}
			out = Failf("%s: internal error", name)
		}
	}()
	return h(s, arg)
}

// finish sends the terminal response for out unless one was already sent.
func (s *Session) finish(out Outcome) {
	if s.err != nil {
		return
	}
	switch out.kind {
	case outcomeOkay:
		s.writeTerminal(StatusOkay, out.message)
	case outcomeFail:
		s.writeTerminal(StatusFail, out.message)
	default:
		if !s.terminal {
			s.log.Warn("handler returned no status")
			s.writeTerminal(StatusFail, "handler returned no status")
		}
	}
}

// WriteStatus sends one OKAY, FAIL, or INFO record. A second terminal
// record for the same command, or an INFO after the terminal record, is
// dropped. DATA records are produced only by ReceiveData and SendData.
func (s *Session) WriteStatus(status Status, message string) error {
	switch status {
	case StatusOkay, StatusFail:
		return s.writeTerminal(status, message)
	case StatusInfo:
		if s.terminal {
			s.log.Warn("INFO after terminal response dropped", "message", message)
			return nil
		}
		return s.writeRecord(status, message)
	default:
		return fmt.Errorf("%w: status %s", pkg.ErrInvalidParameter, status)
	}
}

// Info sends message as INFO records, splitting it so no part is truncated.
func (s *Session) Info(message string) error {
	room := s.config.MaxResponseLength - PrefixSize
	for {
		part := message
		if len(part) > room {
			part = part[:room]
		}
		if err := s.WriteStatus(StatusInfo, part); err != nil {
			return err
		}
		message = message[len(part):]
		if message == "" {
			return nil
		}
	}
}

// Infof sends a formatted INFO message.
func (s *Session) Infof(format string, args ...any) error {
	return s.Info(fmt.Sprintf(format, args...))
}

func (s *Session) writeTerminal(status Status, message string) error {
	if s.terminal {
		s.log.Warn("duplicate terminal response dropped", "status", status, "message", message)
		return nil
	}
	if err := s.writeRecord(status, message); err != nil {
		return err
	}
	s.terminal = true
	return nil
}

// writeRecord encodes one record and sends it with a single Write.
func (s *Session) writeRecord(status Status, message string) error {
	if s.err != nil {
		return s.err
	}
	n := EncodeResponse(s.respBuf, status, message)
	if n-PrefixSize < len(message) {
		s.log.Debug("response truncated", "status", status, "length", len(message))
	}
	return s.send(s.respBuf[:n])
}

func (s *Session) send(record []byte) error {
	if _, err := s.transport.Write(record); err != nil {
		return s.fatal(fmt.Errorf("%w: write %q: %w", pkg.ErrTransport, record[:PrefixSize], err))
	}
	s.log.Debug("response", "record", string(record))
	return nil
}

// fatal records err as the reason the session ends and drops any transfer.
func (s *Session) fatal(err error) error {
	if s.err == nil {
		s.err = err
		s.log.Error("session failed", "error", err)
	}
	if s.active != nil {
		s.active.Abort()
		s.active = nil
	}
	return s.err
}

// ReceiveData runs a complete download phase of size bytes: it declares the
// download buffer, announces the phase with a DATA record and reads until
// the buffer is full. Declaration errors leave the session usable; any
// transport error is fatal.
func (s *Session) ReceiveData(size int64) error {
	if s.active != nil {
		return pkg.ErrBusy
	}
	if s.err != nil {
		return s.err
	}
	b := s.download
	if s.terminal {
		return s.afterTerminal(b)
	}
	if err := b.Declare(size); err != nil {
		return err
	}
	s.active = b
	defer func() { s.active = nil }()

	if err := s.announce(b); err != nil {
		return err
	}

	empty := 0
	for b.Phase() == PhaseTransferring {
		n, err := s.transport.Read(b.Window(s.config.ChunkSize))
		if n > 0 {
			empty = 0
			if aerr := b.Advance(n); aerr != nil {
				return s.fatal(aerr)
			}
		}
		if b.Phase() == PhaseComplete {
			break
		}
		if err == nil && n == 0 {
			if empty++; empty < maxEmptyReads {
				continue
			}
			err = io.ErrNoProgress
		}
		if err != nil {
			return s.fatal(fmt.Errorf("%w: received %d of %d bytes: %w",
				pkg.ErrShortTransfer, b.Transferred(), b.Size(), err))
		}
	}

	s.log.Debug("download complete", "size", size)
	return b.Settle()
}

// SetUploadData stages data as the payload of the next upload phase.
func (s *Session) SetUploadData(data []byte) error {
	return s.SetUploadFunc(int64(len(data)), func(p []byte) error {
		copy(p, data)
		return nil
	})
}

// SetUploadFunc stages a size-byte upload payload that fill writes
// directly into the upload buffer.
func (s *Session) SetUploadFunc(size int64, fill func(p []byte) error) error {
	if s.active != nil {
		return pkg.ErrBusy
	}
	if s.upload.Phase() == PhaseSized {
		s.upload.Abort()
	}
	return s.upload.StageFunc(size, fill)
}

// HasUploadData reports whether an upload payload is staged.
func (s *Session) HasUploadData() bool {
	return s.upload.Phase() == PhaseSized
}

// SendData runs a complete upload phase of the staged upload payload: it
// announces the phase with a DATA record and writes the payload in
// Config.ChunkSize pieces. The payload is released afterwards.
func (s *Session) SendData() error {
	if s.active != nil {
		return pkg.ErrBusy
	}
	if s.err != nil {
		return s.err
	}
	b := s.upload
	if s.terminal {
		return s.afterTerminal(b)
	}
	if b.Phase() != PhaseSized {
		return pkg.ErrNoData
	}
	s.active = b
	defer func() { s.active = nil }()

	if err := s.announce(b); err != nil {
		return err
	}

	for b.Phase() == PhaseTransferring {
		chunk := b.Window(s.config.ChunkSize)
		if _, err := s.transport.Write(chunk); err != nil {
			return s.fatal(fmt.Errorf("%w: sent %d of %d bytes: %w",
				pkg.ErrShortTransfer, b.Transferred(), b.Size(), err))
		}
		if err := b.Advance(len(chunk)); err != nil {
			return s.fatal(err)
		}
	}

	s.log.Debug("upload complete", "size", b.Size())
	if err := b.Settle(); err != nil {
		return err
	}
	b.Abort()
	return nil
}

// afterTerminal rejects a data phase requested once the command's terminal
// record is on the wire; the host has already moved on.
func (s *Session) afterTerminal(b *Buffer) error {
	s.log.Warn("data phase after terminal response rejected", "direction", b.Direction())
	return b.phaseError("announce")
}

// announce moves b into the raw phase and sends its DATA record.
func (s *Session) announce(b *Buffer) error {
	if err := b.Begin(); err != nil {
		return s.fatal(err)
	}
	n := EncodeData(s.respBuf, b.Size())
	if n == 0 {
		return s.fatal(fmt.Errorf("%w: cannot announce %d bytes", pkg.ErrProtocol, b.Size()))
	}
	return s.send(s.respBuf[:n])
}
