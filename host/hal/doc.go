// Package hal defines the boundary between the PTP transport and a platform
// USB stack.
//
// A [Backend] discovers attached devices and opens them. Discovery yields a
// [Descriptor] carrying the interface tree of the active configuration, which
// the transport searches for a still-image interface and its bulk endpoints.
// An opened [Device] performs the handful of operations the transport needs:
//   - claiming and releasing an interface
//   - bulk transfers on a numbered endpoint
//   - control transfers on the default pipe
//
// Timeouts travel in the context deadline passed to each transfer. Backends
// must map an expired deadline to [github.com/ardnew/ptpusb/pkg.ErrTimeout]
// and a halted endpoint to [github.com/ardnew/ptpusb/pkg.ErrStall].
//
// Interrupt endpoints are optional; a device that can read them implements
// [InterruptTransferer].
//
// # Implementations
//
//   - [github.com/ardnew/ptpusb/host/hal/linux] talks to usbfs directly
//   - [github.com/ardnew/ptpusb/host/hal/libusb] wraps libusb through gousb (cgo)
//   - [github.com/ardnew/ptpusb/host/hal/sim] is an in-memory PTP camera for tests
package hal
