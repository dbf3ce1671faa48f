//go:build linux

package linux

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Backend discovers devices through sysfs and opens them through usbfs.
type Backend struct {
	sysfsRoot string
	devfsRoot string
	names     *idNames
	closed    atomic.Bool
}

var _ hal.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithSysfsRoot sets the sysfs device directory scanned for devices.
func WithSysfsRoot(dir string) Option {
	return func(b *Backend) { b.sysfsRoot = dir }
}

// WithDevfsRoot sets the directory holding the bus/device nodes.
func WithDevfsRoot(dir string) Option {
	return func(b *Backend) { b.devfsRoot = dir }
}

// WithUSBIDPaths sets the usb.ids files consulted for names the device does
// not report. An empty list disables the lookup.
func WithUSBIDPaths(paths ...string) Option {
	return func(b *Backend) { b.names = newIDNames(paths) }
}

// NewBackend returns a usbfs backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		sysfsRoot: SysfsUSBPath,
		devfsRoot: DevfsUSBPath,
		names:     newIDNames(USBIDPaths),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Devices lists the attached devices ordered by bus and address.
func (b *Backend) Devices(ctx context.Context) ([]hal.Descriptor, error) {
	if b.closed.Load() {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices, err := scanDevices(b.sysfsRoot, b.devfsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", b.sysfsRoot, err)
	}
	for k := range devices {
		b.names.fill(&devices[k])
	}
	pkg.LogDebug(pkg.ComponentHAL, "devices scanned", "root", b.sysfsRoot, "count", len(devices))
	return devices, nil
}

// Open opens the device node named by desc.Path.
func (b *Backend) Open(ctx context.Context, desc hal.Descriptor) (hal.Device, error) {
	if b.closed.Load() {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := desc.Path
	if path == "" {
		path = devfsPath(b.devfsRoot, desc.Bus, desc.Address)
	}
	dev, err := OpenDevice(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Close marks the backend closed. Open devices are unaffected.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
