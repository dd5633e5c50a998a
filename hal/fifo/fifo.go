package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ardnew/fastbootd/hal"
	"github.com/ardnew/fastbootd/pkg"
)

// MaxEndpoints is the highest data endpoint number.
const MaxEndpoints = 15

// MaxPacketSize is the largest payload carried by one packet message.
const MaxPacketSize = 512

// Message types on an endpoint FIFO.
const (
	msgData  = 0x02 // one bulk packet
	msgReset = 0x12 // host detached; ends the current session
)

// headerSize is the message header: type (1) + little-endian length (2).
const headerSize = 3

// Connection signal bytes written to the connection FIFO.
const (
	sigConnect    = 0x01
	sigDisconnect = 0x00
)

// DirPrefix prefixes each device subdirectory under the bus directory.
const DirPrefix = "fastboot-"

const fifoConnection = "connection"

// pollInterval bounds each blocking FIFO read or write so that cancellation
// is observed promptly.
const pollInterval = 100 * time.Millisecond

// ErrNotConnected indicates a host port operation without an open device.
var ErrNotConnected = errors.New("fifo: not connected")

// InName returns the FIFO file name of IN endpoint number n.
func InName(n uint8) string { return fmt.Sprintf("ep%d_in", n) }

// OutName returns the FIFO file name of OUT endpoint number n.
func OutName(n uint8) string { return fmt.Sprintf("ep%d_out", n) }

// HAL implements hal.BulkHAL over named pipes.
// Each instance creates its own subdirectory (fastboot-{uuid}/) under the
// bus directory so several simulated devices can share one bus.
type HAL struct {
	busDir    string
	deviceDir string
	id        string
	numbers   []uint8

	connectionWrite *os.File
	epInWrite       [MaxEndpoints]*os.File // device writes IN packets
	epOutRead       [MaxEndpoints]*os.File // device reads OUT packets

	connected uint32 // atomic
	speed     hal.Speed

	mutex     sync.RWMutex
	initDone  bool
	connectCh chan struct{}
	disconnCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	readMu  sync.Mutex
	readHdr [headerSize]byte

	writeMu  sync.Mutex
	writeBuf [headerSize + MaxPacketSize]byte
}

// New creates a FIFO bulk HAL rooted at busDir. The endpoints argument
// lists the endpoint numbers (1-15) to create an IN and OUT FIFO for;
// endpoint 1 is used when none are given.
func New(busDir string, endpoints ...uint8) *HAL {
	if len(endpoints) == 0 {
		endpoints = []uint8{1}
	}
	return &HAL{
		busDir:    busDir,
		numbers:   endpoints,
		speed:     hal.SpeedHigh,
		connectCh: make(chan struct{}, 1),
		disconnCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Init creates the device subdirectory and its FIFOs and opens the device
// ends of every FIFO without blocking.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, n := range h.numbers {
		if n == 0 || n > MaxEndpoints {
			return fmt.Errorf("endpoint %d: %w", n, pkg.ErrInvalidEndpoint)
		}
	}

	h.id = uuid.NewString()
	h.deviceDir = filepath.Join(h.busDir, DirPrefix+h.id)

	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoConnection}
	for _, n := range h.numbers {
		names = append(names, InName(n), OutName(n))
	}
	for _, name := range names {
		if err := h.createFIFO(name); err != nil {
			h.cleanup()
			return err
		}
	}

	// O_RDWR keeps every open from blocking on a missing peer.
	var err error
	if h.connectionWrite, err = h.openFIFO(fifoConnection); err != nil {
		h.cleanup()
		return err
	}
	for _, n := range h.numbers {
		if h.epInWrite[n-1], err = h.openFIFO(InName(n)); err != nil {
			h.cleanup()
			return err
		}
		if h.epOutRead[n-1], err = h.openFIFO(OutName(n)); err != nil {
			h.cleanup()
			return err
		}
	}

	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL initialized",
		"busDir", h.busDir,
		"deviceDir", h.deviceDir,
		"uuid", h.id)
	return nil
}

// Start signals attachment to the host.
func (h *HAL) Start() error {
	h.mutex.RLock()
	if !h.initDone {
		h.mutex.RUnlock()
		return pkg.ErrNotConfigured
	}
	f := h.connectionWrite
	h.mutex.RUnlock()

	if _, err := f.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}
	atomic.StoreUint32(&h.connected, 1)

	select {
	case h.connectCh <- struct{}{}:
	default:
	}

	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL started")
	return nil
}

// Stop signals detachment, unblocks pending I/O and removes the device
// directory.
func (h *HAL) Stop() error {
	h.mutex.RLock()
	if h.connectionWrite != nil {
		_, _ = h.connectionWrite.Write([]byte{sigDisconnect})
	}
	h.mutex.RUnlock()

	atomic.StoreUint32(&h.connected, 0)

	select {
	case h.disconnCh <- struct{}{}:
	default:
	}

	h.closeOnce.Do(func() { close(h.closeCh) })

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.cleanup()
	h.initDone = false

	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL stopped")
	return nil
}

// cleanup closes all FIFOs and removes the device directory.
// Caller must hold the write lock.
func (h *HAL) cleanup() {
	if h.connectionWrite != nil {
		h.connectionWrite.Close()
		h.connectionWrite = nil
	}
	for i := range h.epInWrite {
		if h.epInWrite[i] != nil {
			h.epInWrite[i].Close()
			h.epInWrite[i] = nil
		}
		if h.epOutRead[i] != nil {
			h.epOutRead[i].Close()
			h.epOutRead[i] = nil
		}
	}
	if h.deviceDir != "" {
		os.RemoveAll(h.deviceDir)
	}
}

// Read reads one packet from the OUT endpoint at address.
// It returns io.EOF when the host port sends a reset.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	if hal.IsIn(address) {
		return 0, pkg.ErrInvalidEndpoint
	}
	f, err := h.endpoint(address, h.epOutRead[:])
	if err != nil {
		return 0, err
	}

	h.readMu.Lock()
	defer h.readMu.Unlock()

	typ, n, err := readPacket(ctx, h.closeCh, f, h.readHdr[:], buf)
	if err != nil {
		return 0, err
	}
	switch typ {
	case msgData:
		return n, nil
	case msgReset:
		pkg.LogDebug(pkg.ComponentHAL, "host reset", "address", address)
		return 0, io.EOF
	default:
		pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", typ)
		return 0, pkg.ErrProtocol
	}
}

// Write writes data as one packet to the IN endpoint at address.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	if !hal.IsIn(address) {
		return 0, pkg.ErrInvalidEndpoint
	}
	if len(data) > MaxPacketSize {
		return 0, pkg.ErrMessageTooLarge
	}
	f, err := h.endpoint(address, h.epInWrite[:])
	if err != nil {
		return 0, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := writePacket(ctx, h.closeCh, f, h.writeBuf[:], msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (h *HAL) endpoint(address uint8, files []*os.File) (*os.File, error) {
	num := hal.EndpointNumber(address)
	if num == 0 || num > MaxEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if !h.initDone {
		return nil, pkg.ErrNotConfigured
	}
	f := files[num-1]
	if f == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	return f, nil
}

// IsConnected returns true between Start and Stop.
func (h *HAL) IsConnected() bool {
	return atomic.LoadUint32(&h.connected) == 1
}

// GetSpeed reports high speed; packets carry up to MaxPacketSize bytes.
func (h *HAL) GetSpeed() hal.Speed {
	return h.speed
}

// WaitConnect blocks until Start or ctx is cancelled.
func (h *HAL) WaitConnect(ctx context.Context) error {
	if h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.connectCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// WaitDisconnect blocks until Stop or ctx is cancelled.
func (h *HAL) WaitDisconnect(ctx context.Context) error {
	if !h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.disconnCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// DeviceDir returns the device subdirectory path.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// UUID returns the device's unique identifier.
func (h *HAL) UUID() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

func (h *HAL) createFIFO(name string) error {
	path := filepath.Join(h.deviceDir, name)
	os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

func (h *HAL) openFIFO(name string) (*os.File, error) {
	return openFIFO(filepath.Join(h.deviceDir, name), os.O_RDWR)
}

// openFIFO opens a named pipe in non-blocking mode so the runtime poller
// manages it and read/write deadlines apply.
func openFIFO(path string, flag int) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, retrying on deadline expiry until
// ctx or done ends the wait.
func readFull(ctx context.Context, done <-chan struct{}, f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return pkg.ErrCancelled
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return pkg.ErrCancelled
			}
			return err
		}
	}
	return nil
}

// writeFull writes all of buf, retrying on deadline expiry.
func writeFull(ctx context.Context, done <-chan struct{}, f *os.File, buf []byte) error {
	written := 0
	for written < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return pkg.ErrCancelled
		default:
		}

		f.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := f.Write(buf[written:])
		written += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return pkg.ErrCancelled
			}
			return err
		}
	}
	return nil
}

// readPacket reads one message: header [type, len_lo, len_hi] then payload.
func readPacket(ctx context.Context, done <-chan struct{}, f *os.File, hdr, buf []byte) (byte, int, error) {
	if err := readFull(ctx, done, f, hdr[:headerSize]); err != nil {
		return 0, 0, err
	}
	typ := hdr[0]
	length := int(binary.LittleEndian.Uint16(hdr[1:3]))
	if length > MaxPacketSize {
		return 0, 0, pkg.ErrProtocol
	}
	if length > len(buf) {
		// Drain the payload so the stream stays aligned on message headers.
		var scratch [MaxPacketSize]byte
		_ = readFull(ctx, done, f, scratch[:length])
		return 0, 0, io.ErrShortBuffer
	}
	if length > 0 {
		if err := readFull(ctx, done, f, buf[:length]); err != nil {
			return 0, 0, err
		}
	}
	return typ, length, nil
}

// writePacket writes one message through the scratch buffer so that the
// header and payload reach the pipe in a single atomic write.
func writePacket(ctx context.Context, done <-chan struct{}, f *os.File, scratch []byte, typ byte, data []byte) error {
	scratch[0] = typ
	binary.LittleEndian.PutUint16(scratch[1:3], uint16(len(data)))
	n := copy(scratch[headerSize:], data)
	return writeFull(ctx, done, f, scratch[:headerSize+n])
}

var _ hal.BulkHAL = (*HAL)(nil)
