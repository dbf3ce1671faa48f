// Package libusb implements [hal.Backend] and [hal.Device] on libusb through
// github.com/google/gousb.
//
// It is the portable alternative to the usbfs backend and requires cgo and
// the libusb-1.0 development headers at build time.
package libusb
