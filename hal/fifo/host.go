package fifo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
)

// Port is the host end of one device's bulk endpoint pair.
// It writes OUT packets and reads IN packets in the same message format the
// device HAL uses.
type Port struct {
	dir  string
	out  *os.File // host writes epN_out
	in   *os.File // host reads epN_in
	conn *os.File

	closeCh   chan struct{}
	closeOnce sync.Once

	writeMu  sync.Mutex
	writeBuf [headerSize + MaxPacketSize]byte
	readMu   sync.Mutex
	readHdr  [headerSize]byte
}

// Devices lists the device directories currently present on the bus.
func Devices(busDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(busDir, DirPrefix+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Open opens the host end of endpoint number n in deviceDir.
// The device HAL must be initialized first.
func Open(deviceDir string, n uint8) (*Port, error) {
	if n == 0 || n > MaxEndpoints {
		return nil, pkg.ErrInvalidEndpoint
	}
	p := &Port{dir: deviceDir, closeCh: make(chan struct{})}

	var err error
	if p.out, err = openFIFO(filepath.Join(deviceDir, OutName(n)), os.O_WRONLY); err != nil {
		return nil, err
	}
	if p.in, err = openFIFO(filepath.Join(deviceDir, InName(n)), os.O_RDONLY); err != nil {
		p.out.Close()
		return nil, err
	}
	if p.conn, err = openFIFO(filepath.Join(deviceDir, fifoConnection), os.O_RDONLY); err != nil {
		p.out.Close()
		p.in.Close()
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHAL, "fifo port opened", "deviceDir", deviceDir, "endpoint", n)
	return p, nil
}

// MaxPacketSize returns the largest packet the port carries.
func (p *Port) MaxPacketSize() int { return MaxPacketSize }

// WritePacket sends data as one OUT packet.
func (p *Port) WritePacket(ctx context.Context, data []byte) error {
	if len(data) > MaxPacketSize {
		return pkg.ErrMessageTooLarge
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writePacket(ctx, p.closeCh, p.out, p.writeBuf[:], msgData, data)
}

// ReadPacket reads one IN packet into buf.
func (p *Port) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()
	typ, n, err := readPacket(ctx, p.closeCh, p.in, p.readHdr[:], buf)
	if err != nil {
		return 0, err
	}
	if typ != msgData {
		return 0, fmt.Errorf("unexpected message type 0x%02x: %w", typ, pkg.ErrProtocol)
	}
	return n, nil
}

// WaitConnect blocks until the device signals attachment.
func (p *Port) WaitConnect(ctx context.Context) error {
	var b [1]byte
	for {
		if err := readFull(ctx, p.closeCh, p.conn, b[:]); err != nil {
			return err
		}
		if b[0] == sigConnect {
			return nil
		}
	}
}

// Reset tells the device that the host detached, ending its session.
func (p *Port) Reset(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writePacket(ctx, p.closeCh, p.out, p.writeBuf[:], msgReset, nil)
}

// Close sends a reset and closes the host ends of the FIFOs.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Reset(context.Background())
		close(p.closeCh)
		p.out.Close()
		p.in.Close()
		p.conn.Close()
	})
	return err
}
