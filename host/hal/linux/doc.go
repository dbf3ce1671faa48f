// Package linux implements [hal.Backend] and [hal.Device] on Linux usbfs.
//
// Devices are discovered by walking sysfs (/sys/bus/usb/devices) and opened
// through their device nodes under /dev/bus/usb. Transfers are synchronous
// USBDEVFS_BULK and USBDEVFS_CONTROL ioctls, so no cgo or libusb is needed.
//
// Devices without manufacturer or product strings get names from the usb.ids
// database when one is installed (see [USBIDPaths]).
//
// # Requirements
//
// The user must have read/write access to the camera's node in
// /dev/bus/usb. This typically requires either:
//   - Running as root
//   - A udev rule granting access to the user or a group
//
// # Timeouts
//
// The context deadline of each transfer becomes the ioctl timeout. A transfer
// already in the kernel cannot be interrupted by cancelling its context; it
// returns when the timeout elapses.
//
// # Errors
//
// Kernel errors are mapped onto the transport sentinels: EPIPE to
// pkg.ErrStall, ETIMEDOUT to pkg.ErrTimeout, ENODEV and ESHUTDOWN to
// pkg.ErrNoDevice and EBUSY to pkg.ErrBusy. The errno stays in the chain.
package linux
