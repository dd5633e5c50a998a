package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/fastbootd/pkg"
)

// DefaultRetryCount is the boot attempt budget given to a newly activated slot.
const DefaultRetryCount = 7

// SlotState is the boot metadata of one A/B slot.
type SlotState struct {
	Successful bool `cbor:"1,keyasint"`
	Unbootable bool `cbor:"2,keyasint"`
	RetryCount int  `cbor:"3,keyasint"`
}

// BootState is the persisted bootloader state.
type BootState struct {
	ActiveSlot string               `cbor:"1,keyasint"`
	Unlocked   bool                 `cbor:"2,keyasint"`
	Slots      map[string]SlotState `cbor:"3,keyasint"`
}

// NewBootState returns the state of a freshly provisioned device: the
// first slot active with a full retry budget.
func NewBootState(slots []string, unlocked bool) BootState {
	st := BootState{
		Unlocked: unlocked,
		Slots:    make(map[string]SlotState, len(slots)),
	}
	for i, s := range slots {
		if i == 0 {
			st.ActiveSlot = s
			st.Slots[s] = SlotState{RetryCount: DefaultRetryCount}
			continue
		}
		st.Slots[s] = SlotState{}
	}
	return st
}

// Clone returns a deep copy of st.
func (st BootState) Clone() BootState {
	st.Slots = maps.Clone(st.Slots)
	if st.Slots == nil {
		st.Slots = make(map[string]SlotState)
	}
	return st
}

// Activate marks slot active with a fresh retry budget and clears its
// unbootable and successful flags.
func (st *BootState) Activate(slot string) {
	if st.Slots == nil {
		st.Slots = make(map[string]SlotState)
	}
	st.ActiveSlot = slot
	st.Slots[slot] = SlotState{RetryCount: DefaultRetryCount}
}

// StateStore persists a BootState.
type StateStore interface {
	// Load returns the stored state, or fs.ErrNotExist if none was saved.
	Load() (BootState, error)

	// Save replaces the stored state.
	Save(BootState) error
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalBootState encodes st as deterministic CBOR.
func MarshalBootState(st BootState) ([]byte, error) {
	return encMode.Marshal(st)
}

// UnmarshalBootState decodes CBOR produced by MarshalBootState.
func UnmarshalBootState(data []byte) (BootState, error) {
	var st BootState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return BootState{}, fmt.Errorf("decode boot state: %w", err)
	}
	if st.Slots == nil {
		st.Slots = make(map[string]SlotState)
	}
	return st, nil
}

// FileStateStore keeps a BootState in a CBOR file.
type FileStateStore struct {
	path  string
	mutex sync.Mutex
}

// NewFileStateStore returns a store backed by path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Path returns the backing file path.
func (f *FileStateStore) Path() string { return f.path }

// Load reads and decodes the state file.
func (f *FileStateStore) Load() (BootState, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return BootState{}, err
	}
	return UnmarshalBootState(data)
}

// Save encodes st and replaces the state file atomically.
func (f *FileStateStore) Save(st BootState) error {
	data, err := MarshalBootState(st)
	if err != nil {
		return fmt.Errorf("encode boot state: %w", err)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStorage, "boot state saved", "path", f.path, "activeSlot", st.ActiveSlot)
	return nil
}

// MemoryStateStore keeps a BootState in memory.
type MemoryStateStore struct {
	mutex sync.Mutex
	state *BootState
}

// Load returns the last saved state.
func (m *MemoryStateStore) Load() (BootState, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state == nil {
		return BootState{}, fs.ErrNotExist
	}
	return m.state.Clone(), nil
}

// Save stores a copy of st.
func (m *MemoryStateStore) Save(st BootState) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c := st.Clone()
	m.state = &c
	return nil
}

// LoadOrInit loads the state from store, or saves and returns def when the
// store is empty.
func LoadOrInit(store StateStore, def BootState) (BootState, error) {
	st, err := store.Load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return BootState{}, err
	}
	if err := store.Save(def); err != nil {
		return BootState{}, err
	}
	return def.Clone(), nil
}
