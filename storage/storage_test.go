package storage

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/fastbootd/pkg"
)

func TestMemoryPartition(t *testing.T) {
	p := NewMemoryPartition(16)
	assert.Equal(t, int64(16), p.Size())

	n, err := p.WriteAt([]byte("abcd"), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 8)
	_, err = p.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 'a', 'b', 'c', 'd', 0, 0}, buf)

	_, err = p.WriteAt([]byte("overflow"), 12)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
	_, err = p.ReadAt(buf, -1)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)

	require.NoError(t, p.Erase())
	_, err = p.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), buf)

	p.SetReadOnly(true)
	assert.True(t, p.ReadOnly())
	_, err = p.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, pkg.ErrReadOnly)
	assert.ErrorIs(t, p.Erase(), pkg.ErrReadOnly)
}

func TestFilePartition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.img")

	p, err := OpenFilePartition(path, 4096, false)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fi.Size(), "file extended to partition size")

	_, err = p.WriteAt([]byte("fastboot"), 100)
	require.NoError(t, err)
	require.NoError(t, p.Sync())

	buf := make([]byte, 8)
	_, err = p.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, "fastboot", string(buf))

	_, err = p.WriteAt(buf, 4090)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)

	require.NoError(t, p.Erase())
	_, err = p.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), buf)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second close")

	ro, err := OpenFilePartition(path, 0, true)
	require.NoError(t, err)
	defer ro.Close()
	assert.Equal(t, int64(4096), ro.Size())
	_, err = ro.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, pkg.ErrReadOnly)

	_, err = OpenFilePartition(path, 8192, true)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table := NewTable("a", "b")
	require.NoError(t, table.Add("boot_a", NewMemoryPartition(64), Info{}))
	require.NoError(t, table.Add("boot_b", NewMemoryPartition(64), Info{}))
	require.NoError(t, table.Add("userdata", NewMemoryPartition(128), Info{Type: "ext4"}))
	require.NoError(t, table.Add("system_a", NewMemoryPartition(32), Info{Logical: true}))
	return table
}

func TestTableAdd(t *testing.T) {
	table := newTestTable(t)

	assert.Equal(t, []string{"boot_a", "boot_b", "system_a", "userdata"}, table.Names())

	tests := []struct {
		name string
		part Partition
	}{
		{"", NewMemoryPartition(1)},
		{"bad:name", NewMemoryPartition(1)},
		{"bad name", NewMemoryPartition(1)},
		{"nil", nil},
		{"userdata", NewMemoryPartition(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, table.Add(tt.name, tt.part, Info{}), pkg.ErrInvalidParameter)
		})
	}

	_, info, ok := table.Lookup("boot_a")
	require.True(t, ok)
	assert.Equal(t, DefaultType, info.Type)
	_, info, ok = table.Lookup("system_a")
	require.True(t, ok)
	assert.True(t, info.Logical)
}

func TestTableSlots(t *testing.T) {
	table := newTestTable(t)

	assert.Equal(t, []string{"a", "b"}, table.Slots())
	assert.Equal(t, "_a,_b", table.SlotSuffixes())
	assert.True(t, table.HasSlot("boot"))
	assert.False(t, table.HasSlot("userdata"))

	for _, in := range []string{"a", "_b"} {
		_, err := table.NormalizeSlot(in)
		assert.NoError(t, err, in)
	}
	_, err := table.NormalizeSlot("c")
	assert.ErrorIs(t, err, pkg.ErrNoSlot)

	tests := []struct {
		name, slot, want string
	}{
		{"boot", "a", "boot_a"},
		{"boot", "_b", "boot_b"},
		{"boot_b", "a", "boot_b"},
		{"userdata", "a", "userdata"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"@"+tt.slot, func(t *testing.T) {
			got, err := table.Resolve(tt.name, tt.slot)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = table.Resolve("boot", "")
	assert.ErrorIs(t, err, pkg.ErrNoPartition)
	_, err = table.Resolve("vendor", "a")
	assert.ErrorIs(t, err, pkg.ErrNoPartition)

	assert.Empty(t, NewTable().SlotSuffixes())
	assert.False(t, NewTable().HasSlot("boot"))
}

func TestTableFlashEraseRead(t *testing.T) {
	table := newTestTable(t)

	image := bytes.Repeat([]byte{0xAB}, 48)
	require.NoError(t, table.Flash("boot_a", image))

	got, err := table.Read("boot_a", 0, 48)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	got, err = table.Read("boot_a", 40, -1)
	require.NoError(t, err)
	assert.Len(t, got, 24)

	err = table.Flash("boot_a", make([]byte, 65))
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
	var perr *pkg.PartitionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "flash", perr.Op)
	assert.Equal(t, "boot_a", perr.Partition)

	_, err = table.Read("boot_a", 60, 8)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
	_, err = table.Read("boot_a", 65, -1)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)

	require.NoError(t, table.Erase("boot_a"))
	got, err = table.Read("boot_a", 0, 48)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 48), got)

	assert.ErrorIs(t, table.Flash("vendor", image), pkg.ErrNoPartition)
	assert.ErrorIs(t, table.Erase("vendor"), pkg.ErrNoPartition)
	_, err = table.Read("vendor", 0, 1)
	assert.ErrorIs(t, err, pkg.ErrNoPartition)
}

func TestTableExtentReadAt(t *testing.T) {
	table := newTestTable(t)
	require.NoError(t, table.Flash("boot_a", []byte("ABCDEFGH")))

	n, err := table.Extent("boot_a", 4, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)
	n, err = table.Extent("boot_a", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, err = table.Extent("boot_a", 60, 8)
	assert.ErrorIs(t, err, pkg.ErrOutOfRange)
	_, err = table.Extent("vendor", 0, 1)
	assert.ErrorIs(t, err, pkg.ErrNoPartition)

	p := make([]byte, 3)
	require.NoError(t, table.ReadAt("boot_a", p, 2))
	assert.Equal(t, []byte("CDE"), p)
	assert.ErrorIs(t, table.ReadAt("boot_a", make([]byte, 8), 60), pkg.ErrOutOfRange)
}

func TestTableClose(t *testing.T) {
	table := NewTable()
	p, err := OpenFilePartition(filepath.Join(t.TempDir(), "misc.img"), 512, false)
	require.NoError(t, err)
	require.NoError(t, table.Add("misc", p, Info{}))
	require.NoError(t, table.Add("cache", NewMemoryPartition(8), Info{}))

	require.NoError(t, table.Close())
	_, err = p.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestBootState(t *testing.T) {
	st := NewBootState([]string{"a", "b"}, false)
	assert.Equal(t, "a", st.ActiveSlot)
	assert.Equal(t, DefaultRetryCount, st.Slots["a"].RetryCount)
	assert.Zero(t, st.Slots["b"].RetryCount)

	c := st.Clone()
	c.Activate("b")
	assert.Equal(t, "a", st.ActiveSlot, "clone is independent")
	assert.Zero(t, st.Slots["b"].RetryCount, "clone is independent")
	assert.Equal(t, SlotState{RetryCount: DefaultRetryCount}, c.Slots["b"])

	var empty BootState
	empty.Activate("a")
	assert.Equal(t, "a", empty.ActiveSlot)
}

func TestBootStateCBOR(t *testing.T) {
	st := NewBootState([]string{"a", "b"}, true)
	st.Slots["a"] = SlotState{Successful: true, RetryCount: 3}

	data, err := MarshalBootState(st)
	require.NoError(t, err)

	again, err := MarshalBootState(st)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	got, err := UnmarshalBootState(data)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = UnmarshalBootState([]byte{0xFF})
	assert.Error(t, err)
}

func TestStateStores(t *testing.T) {
	stores := map[string]StateStore{
		"memory": &MemoryStateStore{},
		"file":   NewFileStateStore(filepath.Join(t.TempDir(), "bootstate.cbor")),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load()
			assert.ErrorIs(t, err, fs.ErrNotExist)

			def := NewBootState([]string{"a", "b"}, false)
			st, err := LoadOrInit(store, def)
			require.NoError(t, err)
			assert.Equal(t, def, st)

			st.Activate("b")
			st.Unlocked = true
			require.NoError(t, store.Save(st))

			loaded, err := LoadOrInit(store, def)
			require.NoError(t, err)
			assert.Equal(t, "b", loaded.ActiveSlot)
			assert.True(t, loaded.Unlocked)
		})
	}
}
