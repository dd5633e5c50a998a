// Package fastboot implements the device side of the fastboot flashing
// protocol.
//
// A host sends textual command records and raw binary payloads over a
// [transport.Transport]; the device answers every command with zero or more
// INFO records followed by exactly one terminal OKAY or FAIL record.
//
// # Architecture
//
//   - [Session] owns one transport connection and its two transfer buffers,
//     reads command records and dispatches them
//   - [CommandTable] maps command tokens to [Handler] functions; it is built
//     once and shared read-only by every session
//   - [Buffer] tracks one binary transfer through its phases
//   - [EncodeResponse] and [EncodeData] marshal response records
//   - [Server] accepts connections from a [transport.Listener] and runs one
//     session per connection
//
// # Wire Format
//
//	command:  ASCII, at most Config.MaxCommandLength bytes, e.g. "getvar:product"
//	response: OKAY<msg> | FAIL<msg> | INFO<msg> | DATA<8 hex digits>
//
// A DATA record announces a raw phase of exactly that many bytes: the host
// sends them after a download command, the device sends them after an
// upload command.
//
// # Data Phases
//
// Each transfer buffer moves through
//
//	Idle → Sized → Transferring → Complete → Idle
//
// Only one phase is active per session. A transport failure while
// Transferring aborts the buffer and ends the session; a partially received
// payload is never visible to a handler.
//
// # Example
//
//	table, _ := fastboot.NewCommandTableBuilder().
//	    Handle("download", fastboot.DownloadHandler).
//	    Handle("getvar", getvar).
//	    Build()
//
//	s, _ := fastboot.NewSession(conn, table)
//	err := s.Run(ctx)
package fastboot
