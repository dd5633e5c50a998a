// Package client implements the host side of the fastboot protocol.
//
// A [Client] sends one command at a time and collects the INFO lines and
// the terminal OKAY or FAIL of each; a FAIL becomes a [*FailError].
// [Client.Download], [Client.Upload] and [Client.Fetch] run the data phases
// announced by DATA responses.
//
// [Dial] reaches a device over TCP. [OpenFIFO] attaches to a device served
// by the named-pipe HAL in package hal/fifo and carries messages as USB
// bulk transfers:
//
//	c, err := client.Dial(ctx, "127.0.0.1:5554")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	if err := c.Flash("boot", image); err != nil {
//		return err
//	}
package client
