// Package fifo implements a bulk HAL over named pipes.
//
// The HAL stands in for a USB device controller in simulation and
// integration tests: the fastboot USB transport runs unmodified on top of it
// while a host process (or test) drives the other end through a [Port].
//
// # Layout
//
// Each device instance creates a unique subdirectory under a shared bus
// directory:
//
//	/tmp/fastboot-bus/
//	└── fastboot-{uuid}/
//	    ├── connection        # attach signalling (device → host)
//	    ├── ep1_in            # bulk IN packets (device → host)
//	    └── ep1_out           # bulk OUT packets (host → device)
//
// The UUID comes from github.com/google/uuid, so parallel tests can share a
// bus directory.
//
// # Messages
//
// Every endpoint FIFO carries messages of the form
//
//	[type, len_lo, len_hi, payload...]
//
// with type 0x02 for a data packet (payload up to [MaxPacketSize] bytes) and
// 0x12 for a host reset. A reset makes the device's next Read return io.EOF,
// which ends the fastboot session bound to the endpoint pair.
//
// The connection FIFO carries single bytes: 0x01 when the device attaches
// and 0x00 when it detaches.
//
// # Usage
//
//	h := fifo.New("/tmp/fastboot-bus")
//	if err := h.Init(ctx); err != nil { ... }
//	l := usb.NewListener(h, 0x01, 0x81)
//	srv, _ := fastboot.NewServer(l, table)
//	go srv.Serve(ctx)
//
//	port, _ := fifo.Open(h.DeviceDir(), 1)
//	defer port.Close()
package fifo
