package storage

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/ardnew/fastbootd/pkg"
)

// Default partition type reported for raw partitions.
const DefaultType = "raw"

// Info describes a partition for getvar queries.
type Info struct {
	Type    string // filesystem or content type, e.g. "raw", "ext4"
	Logical bool   // lives inside a dynamic (super) partition
}

type entry struct {
	part Partition
	info Info
}

// Table maps partition names to partitions and resolves A/B slot suffixes.
//
// A slotted partition is registered once per slot with the suffix
// appended ("boot_a", "boot_b"); it is addressed either by its full name or
// by its base name ("boot"), which resolves against a slot.
type Table struct {
	mutex   sync.RWMutex
	entries map[string]entry
	slots   []string
}

// NewTable creates an empty table for the given slot names ("a", "b").
// A table without slots has no slotted partitions.
func NewTable(slots ...string) *Table {
	return &Table{
		entries: make(map[string]entry),
		slots:   slices.Clone(slots),
	}
}

// Add registers p under name.
func (t *Table) Add(name string, p Partition, info Info) error {
	if name == "" || strings.ContainsAny(name, ": ") || p == nil {
		return fmt.Errorf("partition %q: %w", name, pkg.ErrInvalidParameter)
	}
	if info.Type == "" {
		info.Type = DefaultType
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.entries[name]; ok {
		return fmt.Errorf("partition %q already registered: %w", name, pkg.ErrInvalidParameter)
	}
	t.entries[name] = entry{part: p, info: info}
	pkg.LogDebug(pkg.ComponentStorage, "partition added", "name", name, "size", p.Size(), "type", info.Type)
	return nil
}

// Names returns all registered partition names in sorted order.
func (t *Table) Names() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Slots returns the slot names.
func (t *Table) Slots() []string {
	return slices.Clone(t.slots)
}

// SlotSuffixes returns the comma-separated slot suffixes ("_a,_b").
func (t *Table) SlotSuffixes() string {
	suffixes := make([]string, len(t.slots))
	for i, s := range t.slots {
		suffixes[i] = "_" + s
	}
	return strings.Join(suffixes, ",")
}

// NormalizeSlot accepts "a" or "_a" and returns "a" if it is a known slot.
func (t *Table) NormalizeSlot(slot string) (string, error) {
	s := strings.TrimPrefix(slot, "_")
	if !slices.Contains(t.slots, s) {
		return "", fmt.Errorf("slot %q: %w", slot, pkg.ErrNoSlot)
	}
	return s, nil
}

// HasSlot reports whether base is a slotted partition.
func (t *Table) HasSlot(base string) bool {
	if len(t.slots) == 0 {
		return false
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	_, ok := t.entries[base+"_"+t.slots[0]]
	return ok
}

// Resolve returns the registered name addressed by name: the name itself
// if registered, otherwise name with the suffix of slot appended.
func (t *Table) Resolve(name, slot string) (string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if _, ok := t.entries[name]; ok {
		return name, nil
	}
	if slot != "" {
		full := name + "_" + strings.TrimPrefix(slot, "_")
		if _, ok := t.entries[full]; ok {
			return full, nil
		}
	}
	return "", &pkg.PartitionError{Op: "resolve", Partition: name, Err: pkg.ErrNoPartition}
}

// Lookup returns the partition registered under name.
func (t *Table) Lookup(name string) (Partition, Info, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	e, ok := t.entries[name]
	return e.part, e.info, ok
}

func (t *Table) lookup(op, name string) (Partition, error) {
	p, _, ok := t.Lookup(name)
	if !ok {
		return nil, &pkg.PartitionError{Op: op, Partition: name, Err: pkg.ErrNoPartition}
	}
	return p, nil
}

// Flash writes image at the start of the named partition and syncs it.
func (t *Table) Flash(name string, image []byte) error {
	p, err := t.lookup("flash", name)
	if err != nil {
		return err
	}
	if int64(len(image)) > p.Size() {
		return &pkg.PartitionError{Op: "flash", Partition: name,
			Err: fmt.Errorf("image size 0x%x exceeds partition size 0x%x: %w", len(image), p.Size(), pkg.ErrOutOfRange)}
	}
	if _, err := p.WriteAt(image, 0); err != nil {
		return &pkg.PartitionError{Op: "flash", Partition: name, Err: err}
	}
	if err := p.Sync(); err != nil {
		return &pkg.PartitionError{Op: "flash", Partition: name, Err: err}
	}
	pkg.LogInfo(pkg.ComponentStorage, "partition flashed", "name", name, "size", len(image))
	return nil
}

// Erase zeroes the named partition.
func (t *Table) Erase(name string) error {
	p, err := t.lookup("erase", name)
	if err != nil {
		return err
	}
	if err := p.Erase(); err != nil {
		return &pkg.PartitionError{Op: "erase", Partition: name, Err: err}
	}
	if err := p.Sync(); err != nil {
		return &pkg.PartitionError{Op: "erase", Partition: name, Err: err}
	}
	pkg.LogInfo(pkg.ComponentStorage, "partition erased", "name", name)
	return nil
}

// Extent checks a read of size bytes at off against the named partition
// and returns the resolved size. A negative size reads to the end of the
// partition.
func (t *Table) Extent(name string, off, size int64) (int64, error) {
	p, err := t.lookup("read", name)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		size = p.Size() - off
	}
	if off < 0 || size < 0 || off > p.Size() || size > p.Size()-off {
		return 0, &pkg.PartitionError{Op: "read", Partition: name,
			Err: fmt.Errorf("offset 0x%x size 0x%x: %w", off, size, pkg.ErrOutOfRange)}
	}
	return size, nil
}

// ReadAt fills p from the named partition starting at off.
func (t *Table) ReadAt(name string, p []byte, off int64) error {
	if _, err := t.Extent(name, off, int64(len(p))); err != nil {
		return err
	}
	part, err := t.lookup("read", name)
	if err != nil {
		return err
	}
	if _, err := part.ReadAt(p, off); err != nil {
		return &pkg.PartitionError{Op: "read", Partition: name, Err: err}
	}
	return nil
}

// Read returns size bytes of the named partition starting at off.
// A negative size reads to the end of the partition.
func (t *Table) Read(name string, off, size int64) ([]byte, error) {
	size, err := t.Extent(name, off, size)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := t.ReadAt(name, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes every partition that implements io.Closer.
func (t *Table) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var errs []error
	for name, e := range t.entries {
		if c, ok := e.part.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
