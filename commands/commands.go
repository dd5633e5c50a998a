package commands

import (
	"github.com/ardnew/fastbootd/fastboot"
)

// Command names of the standard fastboot command set.
const (
	CmdGetVar           = "getvar"
	CmdDownload         = "download"
	CmdUpload           = "upload"
	CmdFlash            = "flash"
	CmdErase            = "erase"
	CmdFetch            = "fetch"
	CmdSetActive        = "set_active"
	CmdReboot           = "reboot"
	CmdRebootBootloader = "reboot-bootloader"
	CmdRebootFastboot   = "reboot-fastboot"
	CmdRebootRecovery   = "reboot-recovery"
	CmdContinue         = "continue"
	CmdFlashing         = "flashing"
	CmdOEM              = "oem"
)

// Commands builds the immutable command table bound to d. Handlers in
// extra are registered alongside the standard set; a name collision is an
// error.
func (d *Device) Commands(extra map[string]fastboot.Handler) (*fastboot.CommandTable, error) {
	b := fastboot.NewCommandTableBuilder().
		Handle(CmdGetVar, d.getvar).
		Handle(CmdDownload, fastboot.DownloadHandler).
		Handle(CmdUpload, fastboot.UploadHandler).
		Handle(CmdFlash, d.flash).
		Handle(CmdErase, d.erase).
		Handle(CmdFetch, d.fetch).
		Handle(CmdSetActive, d.setActive).
		Handle(CmdReboot, d.rebootHandler(RebootSystem)).
		Handle(CmdRebootBootloader, d.rebootHandler(RebootBootloader)).
		Handle(CmdRebootFastboot, d.rebootHandler(RebootFastboot)).
		Handle(CmdRebootRecovery, d.rebootHandler(RebootRecovery)).
		Handle(CmdContinue, d.rebootHandler(RebootContinue)).
		HandleVerb(CmdFlashing, d.flashing).
		HandleVerb(CmdOEM, d.oem)
	for name, h := range extra {
		b.Handle(name, h)
	}
	return b.Build()
}
