package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
)

// Partition is a fixed-size, byte-addressable storage region.
// Implementations must be safe for concurrent use.
type Partition interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the partition size in bytes.
	Size() int64

	// Erase resets the whole partition to zero bytes.
	Erase() error

	// Sync flushes cached writes to the backing store.
	Sync() error

	// ReadOnly returns true if writes are rejected.
	ReadOnly() bool
}

// checkRange validates an access of n bytes at off against size.
func checkRange(off int64, n int, size int64) error {
	if off < 0 || off > size || int64(n) > size-off {
		return pkg.ErrOutOfRange
	}
	return nil
}

// MemoryPartition implements Partition using an in-memory buffer.
type MemoryPartition struct {
	data     []byte
	readOnly bool
	mutex    sync.RWMutex
}

// NewMemoryPartition creates a zero-filled in-memory partition.
func NewMemoryPartition(size int64) *MemoryPartition {
	return &MemoryPartition{data: make([]byte, size)}
}

// Size returns the partition size.
func (m *MemoryPartition) Size() int64 {
	return int64(len(m.data))
}

// ReadAt reads len(p) bytes at off.
func (m *MemoryPartition) ReadAt(p []byte, off int64) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := checkRange(off, len(p), m.Size()); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt writes p at off.
func (m *MemoryPartition) WriteAt(p []byte, off int64) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return 0, pkg.ErrReadOnly
	}
	if err := checkRange(off, len(p), m.Size()); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Erase zeroes the partition.
func (m *MemoryPartition) Erase() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return pkg.ErrReadOnly
	}
	clear(m.data)
	return nil
}

// Sync is a no-op for memory partitions.
func (m *MemoryPartition) Sync() error {
	return nil
}

// ReadOnly returns whether the partition is read-only.
func (m *MemoryPartition) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the read-only flag.
func (m *MemoryPartition) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// FilePartition implements Partition on a regular file or block device.
type FilePartition struct {
	file     *os.File
	size     int64
	readOnly bool
	mutex    sync.RWMutex
}

// eraseChunk is the write size used when zeroing a file partition.
const eraseChunk = 1 << 20

// OpenFilePartition opens path as a partition of size bytes.
// A regular file shorter than size is extended; size 0 uses the current
// file size. If readOnly is true the file is opened read-only and must exist.
func OpenFilePartition(path string, size int64, readOnly bool) (*FilePartition, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	switch {
	case size == 0:
		size = stat.Size()
	case stat.Mode().IsRegular() && stat.Size() < size:
		if readOnly {
			file.Close()
			return nil, fmt.Errorf("%s: %d bytes, want %d: %w", path, stat.Size(), size, pkg.ErrOutOfRange)
		}
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
	}

	return &FilePartition{
		file:     file,
		size:     size,
		readOnly: readOnly,
	}, nil
}

// Size returns the partition size.
func (f *FilePartition) Size() int64 {
	return f.size
}

// ReadAt reads len(p) bytes at off.
func (f *FilePartition) ReadAt(p []byte, off int64) (int, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if err := checkRange(off, len(p), f.size); err != nil {
		return 0, err
	}
	n, err := f.file.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// WriteAt writes p at off.
func (f *FilePartition) WriteAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.readOnly {
		return 0, pkg.ErrReadOnly
	}
	if err := checkRange(off, len(p), f.size); err != nil {
		return 0, err
	}
	return f.file.WriteAt(p, off)
}

// Erase zeroes the partition.
func (f *FilePartition) Erase() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return os.ErrClosed
	}
	if f.readOnly {
		return pkg.ErrReadOnly
	}

	zero := make([]byte, min(eraseChunk, f.size))
	for off := int64(0); off < f.size; off += int64(len(zero)) {
		n := min(int64(len(zero)), f.size-off)
		if _, err := f.file.WriteAt(zero[:n], off); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes file writes to disk.
func (f *FilePartition) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// ReadOnly returns whether the partition is read-only.
func (f *FilePartition) ReadOnly() bool {
	return f.readOnly
}

// Close closes the underlying file.
func (f *FilePartition) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
