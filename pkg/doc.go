// Package pkg provides shared utilities for fastbootd.
//
// This package contains common functionality used by the protocol engine,
// the transports and the command set, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for protocol, transport and storage failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSession, "session opened", "session", id)
//
// # Errors
//
// Errors are sentinel values checked with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrSizeLimitExceeded) {
//	    // report FAIL, keep the session
//	}
//
// [IsFatal] separates transport failures, which end a session, from
// protocol failures, which are reported to the host.
package pkg
