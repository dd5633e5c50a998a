package commands

import (
	"slices"
	"strings"

	"github.com/ardnew/fastbootd/fastboot"
)

// oem implements "oem <verb> [<args>]" by dispatching to the OEM sub-table.
func (d *Device) oem(s *fastboot.Session, arg string) fastboot.Outcome {
	verb, rest, _ := strings.Cut(arg, " ")
	if verb == "" {
		return fastboot.Fail("oem command unspecified")
	}
	h, ok := d.oemCommands[verb]
	if !ok {
		return fastboot.Failf("unknown oem command %q", verb)
	}
	return h(s, rest)
}

// OEMCommands returns the registered OEM verbs in sorted order.
func (d *Device) OEMCommands() []string {
	verbs := make([]string, 0, len(d.oemCommands))
	for verb := range d.oemCommands {
		verbs = append(verbs, verb)
	}
	slices.Sort(verbs)
	return verbs
}

// oemDeviceInfo reports the lock and slot state as INFO lines.
func (d *Device) oemDeviceInfo(s *fastboot.Session, _ string) fastboot.Outcome {
	st := d.State()
	lines := []string{
		"Product: " + d.info.Product,
		"Serial: " + d.info.Serial,
		"Device unlocked: " + yesNo(st.Unlocked),
	}
	if st.ActiveSlot != "" {
		lines = append(lines, "Active slot: "+st.ActiveSlot)
	}
	for _, line := range lines {
		if err := s.Info(line); err != nil {
			return fastboot.Handled()
		}
	}
	return fastboot.Okay("")
}
