//go:build linux

package linux

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Device is an open usbfs device node.
type Device struct {
	fd     int
	path   string
	closed atomic.Bool

	mu      sync.Mutex
	claimed map[uint8]bool
}

var (
	_ hal.Device              = (*Device)(nil)
	_ hal.InterruptTransferer = (*Device)(nil)
)

// OpenDevice opens the usbfs node at path, e.g. /dev/bus/usb/001/004.
func OpenDevice(path string) (*Device, error) {
	fd, err := openDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "device opened", "path", path, "fd", fd)
	return &Device{fd: fd, path: path, claimed: map[uint8]bool{}}, nil
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// ClaimInterface claims iface. With force set, a bound kernel driver is
// detached first.
func (d *Device) ClaimInterface(iface uint8, force bool) error {
	if d.closed.Load() {
		return pkg.ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if force {
		err := disconnectAndClaim(d.fd, iface)
		if err == nil {
			d.claimed[iface] = true
			pkg.LogDebug(pkg.ComponentHAL, "interface claimed", "path", d.path, "interface", iface, "detached", true)
			return nil
		}
		// Kernels before 3.6 lack DISCONNECT_CLAIM.
		pkg.LogDebug(pkg.ComponentHAL, "disconnect-claim failed", "path", d.path, "interface", iface, "error", err)
		if err := disconnectDriver(d.fd, iface); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "detach kernel driver failed", "path", d.path, "interface", iface, "error", err)
		}
	}

	if err := claimInterface(d.fd, iface); err != nil {
		return mapErrno(err)
	}
	d.claimed[iface] = true
	pkg.LogDebug(pkg.ComponentHAL, "interface claimed", "path", d.path, "interface", iface)
	return nil
}

// ReleaseInterface releases iface.
func (d *Device) ReleaseInterface(iface uint8) error {
	if d.closed.Load() {
		return pkg.ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.claimed, iface)
	if err := releaseInterface(d.fd, iface); err != nil {
		return mapErrno(err)
	}
	return nil
}

// BulkTransfer performs one bulk transfer on endpoint. The direction follows
// the endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if d.closed.Load() {
		return 0, pkg.ErrClosed
	}
	timeout, err := timeoutMillis(ctx)
	if err != nil {
		return 0, err
	}
	n, err := doBulkTransfer(d.fd, endpoint, data, timeout)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// InterruptTransfer reads or writes an interrupt endpoint. usbfs routes
// interrupt pipes through the bulk ioctl.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.BulkTransfer(ctx, endpoint, data)
}

// ControlTransfer performs a control transfer on the default pipe.
// CLEAR_FEATURE(ENDPOINT_HALT) is routed through USBDEVFS_CLEAR_HALT so the
// host side toggle is reset along with the device.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if d.closed.Load() {
		return 0, pkg.ErrClosed
	}
	if len(data) > MaxControlTransferSize {
		return 0, pkg.ErrBufferTooSmall
	}

	if setup.RequestType == hal.RequestTypeOut|hal.RequestTypeStandard|hal.RequestTypeEndpoint &&
		setup.Request == hal.RequestClearFeature && setup.Value == hal.FeatureEndpointHalt {
		if err := clearHalt(d.fd, uint8(setup.Index)); err != nil {
			return 0, mapErrno(err)
		}
		return 0, nil
	}

	timeout, err := timeoutMillis(ctx)
	if err != nil {
		return 0, err
	}
	n, err := doControlTransfer(d.fd, setup.RequestType, setup.Request, setup.Value, setup.Index, data, timeout)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// Close releases any interfaces still claimed and closes the node.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for iface := range d.claimed {
		if rerr := releaseInterface(d.fd, iface); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release interface %d: %w", iface, mapErrno(rerr)))
		}
	}
	d.claimed = nil
	err = multierr.Append(err, unix.Close(d.fd))
	pkg.LogDebug(pkg.ComponentHAL, "device closed", "path", d.path, "error", err)
	return err
}
