// Package hal defines the bulk endpoint hardware abstraction used by the
// fastboot USB transport.
//
// fastboot on USB uses one vendor-specific interface with a single bulk OUT
// endpoint (commands and download data) and a single bulk IN endpoint
// (responses and upload data). Enumeration and control transfers belong to
// the platform's USB device controller; a BulkHAL exposes only the data
// path once the host has configured the interface.
package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// BulkPacketSize returns the bulk endpoint max packet size for the speed.
// Low speed devices have no bulk endpoints and report 0.
func (s Speed) BulkPacketSize() int {
	switch s {
	case SpeedFull:
		return 64
	case SpeedHigh:
		return 512
	default:
		return 0
	}
}

// Endpoint direction bit and address mask.
const (
	EndpointDirectionIn = 0x80
	EndpointNumberMask  = 0x0F
)

// EndpointNumber returns the endpoint number (0-15) of address.
func EndpointNumber(address uint8) uint8 {
	return address & EndpointNumberMask
}

// IsIn returns true if address is an IN endpoint (device to host).
func IsIn(address uint8) bool {
	return address&EndpointDirectionIn != 0
}

// BulkHAL defines the bulk data path of a USB device controller.
//
// All methods should be safe for concurrent use where applicable.
type BulkHAL interface {
	// Init initializes the controller.
	// The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// Start attaches to the bus.
	// After Start returns, the device should be visible to the host.
	Start() error

	// Stop detaches from the bus and releases the controller.
	// Blocked Read and Write calls return an error.
	Stop() error

	// Read reads one bulk OUT packet from the endpoint at address into buf.
	// Blocks until data is received or the context is cancelled.
	// Returns the number of bytes read; 0 for a zero-length packet.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write writes data as one bulk IN packet to the endpoint at address.
	// len(data) must not exceed the endpoint's max packet size.
	// Blocks until the data is sent or the context is cancelled.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// IsConnected returns true if the device is connected to a host.
	IsConnected() bool

	// GetSpeed returns the negotiated USB connection speed.
	GetSpeed() Speed

	// WaitConnect blocks until a host connects or the context is cancelled.
	WaitConnect(ctx context.Context) error

	// WaitDisconnect blocks until the host disconnects or the context is cancelled.
	WaitDisconnect(ctx context.Context) error
}
