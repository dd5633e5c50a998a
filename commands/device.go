package commands

import (
	"fmt"
	"sync"

	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/storage"
)

// ProtocolVersion is reported by "getvar:version".
const ProtocolVersion = "0.4"

// Info is the static identity of a device.
type Info struct {
	Product    string
	Serial     string
	Bootloader string // bootloader version
	Baseband   string // baseband version
	Secure     bool   // secure boot enforced
	Userspace  bool   // fastboot runs in userspace (fastbootd) rather than the bootloader

	// MaxFetchSize bounds a single fetch. 0 means the session's upload limit.
	MaxFetchSize int64
}

// RebootTarget names where a reboot command sends the device.
type RebootTarget string

// Reboot targets.
const (
	RebootSystem     RebootTarget = "system"
	RebootBootloader RebootTarget = "bootloader"
	RebootFastboot   RebootTarget = "fastboot"
	RebootRecovery   RebootTarget = "recovery"
	RebootContinue   RebootTarget = "continue"
)

// RebootFunc performs a reboot after the host has received OKAY.
type RebootFunc func(target RebootTarget) error

// Device is the state shared by every session of a fastboot device: its
// identity, partitions and persisted boot state.
//
// Device is safe for concurrent use; the boot state is guarded by an
// RWMutex and saved to the state store on every change.
type Device struct {
	info        Info
	table       *storage.Table
	store       storage.StateStore
	reboot      RebootFunc
	oemCommands map[string]fastboot.Handler

	unlockAllowed bool

	mutex sync.RWMutex
	state storage.BootState
}

// Option configures a Device.
type Option func(*Device)

// WithStateStore persists the boot state in store instead of memory.
func WithStateStore(store storage.StateStore) Option {
	return func(d *Device) { d.store = store }
}

// WithRebootHook installs fn to perform reboots.
func WithRebootHook(fn RebootFunc) Option {
	return func(d *Device) { d.reboot = fn }
}

// WithUnlockAllowed controls whether "flashing unlock" is permitted.
func WithUnlockAllowed(allowed bool) Option {
	return func(d *Device) { d.unlockAllowed = allowed }
}

// WithOEM registers h for "oem <verb>". h receives the text after the verb.
func WithOEM(verb string, h fastboot.Handler) Option {
	return func(d *Device) { d.oemCommands[verb] = h }
}

// NewDevice creates a Device over table. The boot state is loaded from the
// state store, or initialized (first slot active, locked) if none exists.
func NewDevice(info Info, table *storage.Table, opts ...Option) (*Device, error) {
	if table == nil {
		return nil, fmt.Errorf("partition table: %w", pkg.ErrInvalidParameter)
	}
	d := &Device{
		info:          info,
		table:         table,
		store:         &storage.MemoryStateStore{},
		oemCommands:   make(map[string]fastboot.Handler),
		unlockAllowed: true,
	}
	d.oemCommands["device-info"] = d.oemDeviceInfo
	for _, opt := range opts {
		opt(d)
	}
	for verb, h := range d.oemCommands {
		if verb == "" || h == nil {
			return nil, fmt.Errorf("oem %q: %w", verb, pkg.ErrInvalidParameter)
		}
	}

	st, err := storage.LoadOrInit(d.store, storage.NewBootState(table.Slots(), false))
	if err != nil {
		return nil, fmt.Errorf("load boot state: %w", err)
	}
	if len(table.Slots()) > 0 {
		if _, err := table.NormalizeSlot(st.ActiveSlot); err != nil {
			pkg.LogWarn(pkg.ComponentCommand, "stored active slot unknown, resetting",
				"slot", st.ActiveSlot)
			st.Activate(table.Slots()[0])
		}
	}
	d.state = st

	pkg.LogInfo(pkg.ComponentCommand, "device ready",
		"product", info.Product,
		"serial", info.Serial,
		"activeSlot", st.ActiveSlot,
		"unlocked", st.Unlocked)
	return d, nil
}

// Info returns the device identity.
func (d *Device) Info() Info { return d.info }

// Table returns the partition table.
func (d *Device) Table() *storage.Table { return d.table }

// State returns a copy of the current boot state.
func (d *Device) State() storage.BootState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.Clone()
}

// Unlocked reports whether the bootloader is unlocked.
func (d *Device) Unlocked() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.Unlocked
}

// ActiveSlot returns the active slot, or "" on a device without slots.
func (d *Device) ActiveSlot() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.ActiveSlot
}

// update applies fn to a copy of the boot state and commits it once the
// store accepted it.
func (d *Device) update(fn func(st *storage.BootState) error) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	st := d.state.Clone()
	if err := fn(&st); err != nil {
		return err
	}
	if err := d.store.Save(st); err != nil {
		return fmt.Errorf("save boot state: %w", err)
	}
	d.state = st
	return nil
}

// resolve maps a partition argument to a registered partition name,
// applying the active slot to slotted base names.
func (d *Device) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("partition name: %w", pkg.ErrInvalidParameter)
	}
	return d.table.Resolve(name, d.ActiveSlot())
}
