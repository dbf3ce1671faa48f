// Package pkg provides shared utilities for the ptpusb transport.
//
// This package contains common functionality used by the USB channel, the
// PTP engine and the command-line tool, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors and typed transport failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSession, "session opened", "session", 1)
//
// # Errors
//
// Transport failures are typed so callers can tell a claim failure from an
// exhausted read or a timeout:
//
//	var exhausted *pkg.ReadExhaustedError
//	if errors.As(err, &exhausted) {
//	    // the bulk IN endpoint never produced data
//	}
//
// [Describe] turns any of them into a status line suitable for display.
package pkg
