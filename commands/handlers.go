package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/pkg"
	"github.com/ardnew/fastbootd/storage"
)

// userdata is wiped whenever the lock state changes.
const userdata = "userdata"

func (d *Device) partition(arg string) (storage.Partition, storage.Info, error) {
	name, err := d.resolve(arg)
	if err != nil {
		return nil, storage.Info{}, err
	}
	p, info, _ := d.table.Lookup(name)
	return p, info, nil
}

func (d *Device) slot(arg string) (storage.SlotState, error) {
	slot, err := d.table.NormalizeSlot(arg)
	if err != nil {
		return storage.SlotState{}, err
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state.Slots[slot], nil
}

func (d *Device) maxFetchSize(s *fastboot.Session) int64 {
	if d.info.MaxFetchSize > 0 {
		return min(d.info.MaxFetchSize, s.Config().MaxDownloadSize)
	}
	return s.Config().MaxDownloadSize
}

// requireUnlocked fails op on a locked device.
func (d *Device) requireUnlocked(op string) error {
	if !d.Unlocked() {
		return fmt.Errorf("%s: %w", op, pkg.ErrLocked)
	}
	return nil
}

// flash implements "flash:<partition>": it writes the last downloaded
// payload to the partition.
func (d *Device) flash(s *fastboot.Session, arg string) fastboot.Outcome {
	if err := d.requireUnlocked("flash"); err != nil {
		return fastboot.FailErr(err)
	}
	name, err := d.resolve(arg)
	if err != nil {
		return fastboot.FailErr(err)
	}
	if !s.DownloadBuffer().Settled() {
		return fastboot.Fail("no image downloaded")
	}
	image := s.DownloadData()

	pkg.LogInfo(pkg.ComponentCommand, "flash", "session", s.ID(), "partition", name, "size", len(image))
	if err := d.table.Flash(name, image); err != nil {
		return fastboot.FailErr(err)
	}
	return fastboot.Okay("")
}

// erase implements "erase:<partition>".
func (d *Device) erase(s *fastboot.Session, arg string) fastboot.Outcome {
	if err := d.requireUnlocked("erase"); err != nil {
		return fastboot.FailErr(err)
	}
	name, err := d.resolve(arg)
	if err != nil {
		return fastboot.FailErr(err)
	}

	pkg.LogInfo(pkg.ComponentCommand, "erase", "session", s.ID(), "partition", name)
	if err := d.table.Erase(name); err != nil {
		return fastboot.FailErr(err)
	}
	return fastboot.Okay("")
}

// fetch implements "fetch:<partition>[:<offset>[:<size>]]". Offset and size
// accept decimal or 0x-prefixed hex; the default is the whole partition.
// The bytes are sent to the host in an upload phase.
func (d *Device) fetch(s *fastboot.Session, arg string) fastboot.Outcome {
	args := fastboot.SplitArgs(arg)
	if len(args) == 0 || len(args) > 3 {
		return fastboot.Fail("usage: fetch:<partition>[:<offset>[:<size>]]")
	}
	name, err := d.resolve(args[0])
	if err != nil {
		return fastboot.FailErr(err)
	}

	var off, size int64 = 0, -1
	if len(args) > 1 {
		if off, err = parseNumber(args[1]); err != nil {
			return fastboot.Failf("invalid offset %q", args[1])
		}
	}
	if len(args) > 2 {
		if size, err = parseNumber(args[2]); err != nil {
			return fastboot.Failf("invalid size %q", args[2])
		}
	}

	n, err := d.table.Extent(name, off, size)
	if err != nil {
		return fastboot.FailErr(err)
	}
	if limit := d.maxFetchSize(s); n > limit {
		return fastboot.Failf("requested fetch size 0x%x exceeds max 0x%x", n, limit)
	}

	err = s.SetUploadFunc(n, func(p []byte) error {
		return d.table.ReadAt(name, p, off)
	})
	if err != nil {
		return fastboot.FailErr(err)
	}
	pkg.LogInfo(pkg.ComponentCommand, "fetch", "session", s.ID(), "partition", name, "offset", off, "size", n)
	if err := s.SendData(); err != nil {
		return fastboot.FailErr(err)
	}
	return fastboot.Okay("")
}

func parseNumber(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, pkg.ErrInvalidParameter
	}
	return n, nil
}

// setActive implements "set_active:<slot>".
func (d *Device) setActive(s *fastboot.Session, arg string) fastboot.Outcome {
	if err := d.requireUnlocked("set_active"); err != nil {
		return fastboot.FailErr(err)
	}
	if len(d.table.Slots()) == 0 {
		return fastboot.Fail("device has no slots")
	}
	slot, err := d.table.NormalizeSlot(arg)
	if err != nil {
		return fastboot.FailErr(err)
	}

	err = d.update(func(st *storage.BootState) error {
		st.Activate(slot)
		return nil
	})
	if err != nil {
		return fastboot.FailErr(err)
	}
	pkg.LogInfo(pkg.ComponentCommand, "active slot changed", "session", s.ID(), "slot", slot)
	return fastboot.Okay("")
}

// rebootHandler replies OKAY before the device goes away, then ends the
// session and runs the reboot hook.
func (d *Device) rebootHandler(target RebootTarget) fastboot.Handler {
	return func(s *fastboot.Session, arg string) fastboot.Outcome {
		if err := s.WriteStatus(fastboot.StatusOkay, ""); err != nil {
			return fastboot.Handled()
		}
		s.RequestClose()

		pkg.LogInfo(pkg.ComponentCommand, "reboot", "session", s.ID(), "target", target)
		if d.reboot != nil {
			if err := d.reboot(target); err != nil {
				pkg.LogError(pkg.ComponentCommand, "reboot hook failed", "target", target, "error", err)
			}
		}
		return fastboot.Handled()
	}
}

// flashing implements "flashing lock|unlock|get_unlock_ability".
func (d *Device) flashing(s *fastboot.Session, arg string) fastboot.Outcome {
	switch arg {
	case "get_unlock_ability":
		ability := 0
		if d.unlockAllowed {
			ability = 1
		}
		if err := s.Infof("get_unlock_ability: %d", ability); err != nil {
			return fastboot.Handled()
		}
		return fastboot.Okay("")

	case "lock", "unlock":
		unlock := arg == "unlock"
		if unlock && !d.unlockAllowed {
			return fastboot.Fail("unlock is not allowed")
		}
		if err := d.setLock(s, unlock); err != nil {
			return fastboot.FailErr(err)
		}
		return fastboot.Okay("")

	case "":
		return fastboot.Fail("flashing command unspecified")

	default:
		return fastboot.Failf("unknown flashing command %q", arg)
	}
}

var (
	errAlreadyLocked   = errors.New("device already locked")
	errAlreadyUnlocked = errors.New("device already unlocked")
)

// setLock changes the lock state and wipes user data.
func (d *Device) setLock(s *fastboot.Session, unlock bool) error {
	err := d.update(func(st *storage.BootState) error {
		if st.Unlocked == unlock {
			if unlock {
				return errAlreadyUnlocked
			}
			return errAlreadyLocked
		}
		st.Unlocked = unlock
		return nil
	})
	if err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentCommand, "lock state changed", "session", s.ID(), "unlocked", unlock)
	if _, _, ok := d.table.Lookup(userdata); ok {
		if err := s.Info("erasing userdata"); err != nil {
			return err
		}
		if err := d.table.Erase(userdata); err != nil {
			return err
		}
	}
	return nil
}
