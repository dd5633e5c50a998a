// Package config loads the configuration of a fastbootd device.
//
// A configuration is a JSON document validated against an embedded JSON
// Schema (see [Schema]) and decoded over [Default]:
//
//	{
//	  "product": "sim",
//	  "serialno": "SIM0001",
//	  "version_bootloader": "2.1.0",
//	  "slots": ["a", "b"],
//	  "state_file": "bootstate.cbor",
//	  "partitions": [
//	    {"name": "boot", "size": 33554432, "slotted": true, "image": "images/boot.img"},
//	    {"name": "userdata", "size": 268435456, "type": "ext4"}
//	  ]
//	}
//
// Version strings must be semantic versions. Slotted partitions get one
// backend per slot; their image files carry the slot suffix before the
// extension (images/boot_a.img, images/boot_b.img).
package config
