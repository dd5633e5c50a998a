// Package commands implements the standard fastboot command set on top of
// the protocol engine in package fastboot.
//
// A [Device] holds what every session of one device shares: its identity,
// its partition table and its persisted boot state. [Device.Commands] binds
// the handlers to the device and returns the command table a
// fastboot.Server dispatches with:
//
//	getvar:<name>[:<arg>]  getvar:all
//	download:<size>        upload
//	flash:<partition>      erase:<partition>
//	fetch:<partition>[:<offset>[:<size>]]
//	set_active:<slot>
//	reboot  reboot-bootloader  reboot-fastboot  reboot-recovery  continue
//	flashing lock|unlock|get_unlock_ability
//	oem <verb> [<args>]
//
// flash, erase and set_active require an unlocked device. Partition
// arguments without a slot suffix resolve against the active slot.
package commands
