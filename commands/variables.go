package commands

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ardnew/fastbootd/fastboot"
	"github.com/ardnew/fastbootd/pkg"
)

// ErrUnknownVariable is returned for a getvar of an unregistered name.
var ErrUnknownVariable = errors.New("unknown variable")

// errMissingArgument is returned when a variable that takes an argument
// is queried without one.
var errMissingArgument = errors.New("missing argument")

type variable struct {
	// get returns the value; arg is "" for variables without an argument.
	get func(d *Device, s *fastboot.Session, arg string) (string, error)

	// args lists the arguments enumerated by getvar:all. nil marks a
	// variable without an argument.
	args func(d *Device) []string
}

var variables = map[string]variable{
	"version": {get: constant(ProtocolVersion)},
	"version-bootloader": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return d.info.Bootloader, nil
	}},
	"version-baseband": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return d.info.Baseband, nil
	}},
	"product": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return d.info.Product, nil
	}},
	"serialno": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return d.info.Serial, nil
	}},
	"secure": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return yesNo(d.info.Secure), nil
	}},
	"unlocked": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return yesNo(d.Unlocked()), nil
	}},
	"is-userspace": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return yesNo(d.info.Userspace), nil
	}},
	"max-download-size": {get: func(_ *Device, s *fastboot.Session, _ string) (string, error) {
		return hex(s.Config().MaxDownloadSize), nil
	}},
	"max-fetch-size": {get: func(d *Device, s *fastboot.Session, _ string) (string, error) {
		return hex(d.maxFetchSize(s)), nil
	}},
	"current-slot": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		slot := d.ActiveSlot()
		if slot == "" {
			return "", pkg.ErrNoSlot
		}
		return slot, nil
	}},
	"slot-count": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return strconv.Itoa(len(d.table.Slots())), nil
	}},
	"slot-suffixes": {get: func(d *Device, _ *fastboot.Session, _ string) (string, error) {
		return d.table.SlotSuffixes(), nil
	}},
	"has-slot": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			return yesNo(d.table.HasSlot(arg)), nil
		},
		args: baseNames,
	},
	"partition-size": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			p, _, err := d.partition(arg)
			if err != nil {
				return "", err
			}
			return hex(p.Size()), nil
		},
		args: partitionNames,
	},
	"partition-type": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			_, info, err := d.partition(arg)
			if err != nil {
				return "", err
			}
			return info.Type, nil
		},
		args: partitionNames,
	},
	"is-logical": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			_, info, err := d.partition(arg)
			if err != nil {
				return "", err
			}
			return yesNo(info.Logical), nil
		},
		args: partitionNames,
	},
	"slot-successful": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			st, err := d.slot(arg)
			if err != nil {
				return "", err
			}
			return yesNo(st.Successful), nil
		},
		args: slotNames,
	},
	"slot-unbootable": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			st, err := d.slot(arg)
			if err != nil {
				return "", err
			}
			return yesNo(st.Unbootable), nil
		},
		args: slotNames,
	},
	"slot-retry-count": {
		get: func(d *Device, _ *fastboot.Session, arg string) (string, error) {
			st, err := d.slot(arg)
			if err != nil {
				return "", err
			}
			return strconv.Itoa(st.RetryCount), nil
		},
		args: slotNames,
	},
}

// Variables returns the names of all getvar variables in sorted order.
func Variables() []string {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func constant(v string) func(*Device, *fastboot.Session, string) (string, error) {
	return func(*Device, *fastboot.Session, string) (string, error) { return v, nil }
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func hex(n int64) string {
	return fmt.Sprintf("0x%x", n)
}

func partitionNames(d *Device) []string { return d.table.Names() }

func slotNames(d *Device) []string { return d.table.Slots() }

// baseNames lists partition names with any slot suffix removed.
func baseNames(d *Device) []string {
	var names []string
	for _, name := range d.table.Names() {
		for _, s := range d.table.Slots() {
			if base, ok := strings.CutSuffix(name, "_"+s); ok {
				name = base
				break
			}
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// GetVar returns the value of variable name with argument arg.
func (d *Device) GetVar(s *fastboot.Session, name, arg string) (string, error) {
	v, ok := variables[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	if v.args != nil && arg == "" {
		return "", fmt.Errorf("%s: %w", name, errMissingArgument)
	}
	return v.get(d, s, arg)
}

// getvar implements "getvar:<name>[:<arg>]" and "getvar:all".
func (d *Device) getvar(s *fastboot.Session, arg string) fastboot.Outcome {
	if arg == "" {
		return fastboot.Fail("variable name unspecified")
	}
	if arg == "all" {
		return d.getvarAll(s)
	}

	name, varArg, _ := strings.Cut(arg, ":")
	value, err := d.GetVar(s, name, varArg)
	if err != nil {
		if errors.Is(err, ErrUnknownVariable) {
			return fastboot.Fail("GetVar Variable Not found")
		}
		return fastboot.FailErr(err)
	}
	return fastboot.Okay(value)
}

// getvarAll reports every variable as INFO "<name>[:<arg>]:<value>".
// Values that cannot be read are skipped.
func (d *Device) getvarAll(s *fastboot.Session) fastboot.Outcome {
	for _, name := range Variables() {
		v := variables[name]
		if v.args == nil {
			if value, err := v.get(d, s, ""); err == nil {
				if err := s.Infof("%s:%s", name, value); err != nil {
					return fastboot.Handled()
				}
			}
			continue
		}
		for _, a := range v.args(d) {
			if value, err := v.get(d, s, a); err == nil {
				if err := s.Infof("%s:%s:%s", name, a, value); err != nil {
					return fastboot.Handled()
				}
			}
		}
	}
	return fastboot.Okay("")
}
