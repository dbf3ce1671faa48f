//go:build cgo

package libusb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/multierr"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Backend enumerates and opens devices through one libusb context.
type Backend struct {
	mu     sync.Mutex
	ctx    *gousb.Context
	closed bool
}

var _ hal.Backend = (*Backend)(nil)

// NewBackend initializes libusb.
func NewBackend() *Backend {
	return &Backend{ctx: gousb.NewContext()}
}

// Devices lists attached devices. String descriptors are read from the
// devices the process may open and left empty for the rest.
func (b *Backend) Devices(ctx context.Context) ([]hal.Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var descs []hal.Descriptor
	devs, err := b.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		descs = append(descs, convertDevice(d, firstConfig(d)))
		return true
	})
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "some devices could not be opened", "error", err)
	}

	for _, dev := range devs {
		for k := range descs {
			if descs[k].Bus == uint8(dev.Desc.Bus) && descs[k].Address == uint8(dev.Desc.Address) {
				fillStrings(&descs[k], dev)
				if num, err := dev.ActiveConfigNum(); err == nil {
					active := convertDevice(dev.Desc, num)
					descs[k].Interfaces = active.Interfaces
				}
			}
		}
		_ = dev.Close()
	}

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Bus != descs[j].Bus {
			return descs[i].Bus < descs[j].Bus
		}
		return descs[i].Address < descs[j].Address
	})
	return descs, nil
}

// Open opens the device at desc's bus and address.
func (b *Backend) Open(ctx context.Context, desc hal.Descriptor) (hal.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devs, err := b.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == int(desc.Bus) && d.Address == int(desc.Address)
	})
	if len(devs) == 0 {
		if err == nil {
			err = pkg.ErrNoDevice
		}
		return nil, fmt.Errorf("open %s: %w", desc.Path, mapError(err))
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	pkg.LogDebug(pkg.ComponentHAL, "device opened", "path", desc.Path)
	return newDevice(devs[0]), nil
}

// Close releases the libusb context. Devices must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.ctx.Close()
}

// Device adapts a gousb device to hal.Device.
type Device struct {
	mu     sync.Mutex
	dev    *gousb.Device
	cfg    *gousb.Config
	ifaces map[uint8]*gousb.Interface
	in     map[uint8]*gousb.InEndpoint
	out    map[uint8]*gousb.OutEndpoint
	closed bool
}

var (
	_ hal.Device              = (*Device)(nil)
	_ hal.InterruptTransferer = (*Device)(nil)
)

func newDevice(dev *gousb.Device) *Device {
	return &Device{
		dev:    dev,
		ifaces: map[uint8]*gousb.Interface{},
		in:     map[uint8]*gousb.InEndpoint{},
		out:    map[uint8]*gousb.OutEndpoint{},
	}
}

// ClaimInterface claims alternate setting 0 of iface in the active
// configuration. With force set, libusb detaches a bound kernel driver.
func (d *Device) ClaimInterface(iface uint8, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return pkg.ErrClosed
	}
	if _, ok := d.ifaces[iface]; ok {
		return pkg.ErrBusy
	}
	if err := d.dev.SetAutoDetach(force); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "auto-detach unavailable", "error", err)
	}

	if d.cfg == nil {
		num, err := d.dev.ActiveConfigNum()
		if err != nil {
			return mapError(err)
		}
		cfg, err := d.dev.Config(num)
		if err != nil {
			return mapError(err)
		}
		d.cfg = cfg
	}

	intf, err := d.cfg.Interface(int(iface), 0)
	if err != nil {
		if len(d.ifaces) == 0 {
			_ = d.cfg.Close()
			d.cfg = nil
		}
		return mapError(err)
	}
	d.ifaces[iface] = intf
	return nil
}

// ReleaseInterface releases iface.
func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	intf, ok := d.ifaces[iface]
	if !ok {
		return fmt.Errorf("interface %d not claimed: %w", iface, pkg.ErrInvalidParameter)
	}
	intf.Close()
	delete(d.ifaces, iface)
	clear(d.in)
	clear(d.out)

	if len(d.ifaces) == 0 && d.cfg != nil {
		err := d.cfg.Close()
		d.cfg = nil
		return mapError(err)
	}
	return nil
}

// endpoint returns the opened endpoint at addr, opening it on first use.
func (d *Device) endpoint(addr uint8) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, pkg.ErrClosed
	}
	if ep, ok := d.in[addr]; ok {
		return ep, nil, nil
	}
	if ep, ok := d.out[addr]; ok {
		return nil, ep, nil
	}

	for _, intf := range d.ifaces {
		desc, ok := intf.Setting.Endpoints[gousb.EndpointAddress(addr)]
		if !ok {
			continue
		}
		if desc.Direction == gousb.EndpointDirectionIn {
			ep, err := intf.InEndpoint(desc.Number)
			if err != nil {
				return nil, nil, mapError(err)
			}
			d.in[addr] = ep
			return ep, nil, nil
		}
		ep, err := intf.OutEndpoint(desc.Number)
		if err != nil {
			return nil, nil, mapError(err)
		}
		d.out[addr] = ep
		return nil, ep, nil
	}
	return nil, nil, fmt.Errorf("endpoint 0x%02x: %w", addr, pkg.ErrInvalidEndpoint)
}

// BulkTransfer reads or writes endpoint, which must belong to a claimed
// interface.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	in, out, err := d.endpoint(endpoint)
	if err != nil {
		return 0, err
	}
	var n int
	if in != nil {
		n, err = in.ReadContext(ctx, data)
	} else {
		n, err = out.WriteContext(ctx, data)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, contextError(ctxErr)
		}
		return n, mapError(err)
	}
	return n, nil
}

// InterruptTransfer reads or writes an interrupt endpoint.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.BulkTransfer(ctx, endpoint, data)
}

// ControlTransfer performs a control transfer on the default pipe. The
// context deadline becomes the libusb timeout.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, contextError(err)
	}
	d.dev.ControlTimeout = 0
	if deadline, ok := ctx.Deadline(); ok {
		d.dev.ControlTimeout = max(time.Until(deadline), time.Millisecond)
	}

	n, err := d.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

// Close releases claimed interfaces and closes the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for iface, intf := range d.ifaces {
		intf.Close()
		delete(d.ifaces, iface)
	}
	var err error
	if d.cfg != nil {
		err = multierr.Append(err, d.cfg.Close())
		d.cfg = nil
	}
	return multierr.Append(err, d.dev.Close())
}

func fillStrings(desc *hal.Descriptor, dev *gousb.Device) {
	if s, err := dev.Manufacturer(); err == nil {
		desc.Manufacturer = s
	}
	if s, err := dev.Product(); err == nil {
		desc.Product = s
	}
	if s, err := dev.SerialNumber(); err == nil {
		desc.SerialNumber = s
	}
}

func firstConfig(d *gousb.DeviceDesc) int {
	first := -1
	for num := range d.Configs {
		if first < 0 || num < first {
			first = num
		}
	}
	return first
}

// convertDevice converts a gousb descriptor, taking interfaces from
// configuration cfg.
func convertDevice(d *gousb.DeviceDesc, cfg int) hal.Descriptor {
	desc := hal.Descriptor{
		Path:        fmt.Sprintf("libusb:%03d:%03d", d.Bus, d.Address),
		Bus:         uint8(d.Bus),
		Address:     uint8(d.Address),
		VendorID:    uint16(d.Vendor),
		ProductID:   uint16(d.Product),
		DeviceClass: uint8(d.Class),
		Speed:       convertSpeed(d.Speed),
	}

	config, ok := d.Configs[cfg]
	if !ok {
		return desc
	}
	for _, intf := range config.Interfaces {
		for _, alt := range intf.AltSettings {
			desc.Interfaces = append(desc.Interfaces, convertSetting(alt))
		}
	}
	return desc
}

func convertSetting(s gousb.InterfaceSetting) hal.InterfaceDescriptor {
	iface := hal.InterfaceDescriptor{
		Number:    uint8(s.Number),
		Alternate: uint8(s.Alternate),
		Class:     uint8(s.Class),
		SubClass:  uint8(s.SubClass),
		Protocol:  uint8(s.Protocol),
	}
	for addr, ep := range s.Endpoints {
		iface.Endpoints = append(iface.Endpoints, hal.EndpointDescriptor{
			Address:       uint8(addr),
			Attributes:    uint8(ep.TransferType),
			MaxPacketSize: uint16(ep.MaxPacketSize),
			Interval:      uint8(min(ep.PollInterval.Milliseconds(), 0xFF)),
		})
	}
	sort.Slice(iface.Endpoints, func(i, j int) bool {
		return iface.Endpoints[i].Address < iface.Endpoints[j].Address
	})
	return iface
}

func convertSpeed(s gousb.Speed) hal.Speed {
	switch s {
	case gousb.SpeedLow:
		return hal.SpeedLow
	case gousb.SpeedFull:
		return hal.SpeedFull
	case gousb.SpeedHigh:
		return hal.SpeedHigh
	case gousb.SpeedSuper:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", pkg.ErrCancelled, err)
}

// mapError attaches the transport sentinel matching a libusb error or
// transfer status.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		sentinel = pkg.ErrStall
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		sentinel = pkg.ErrTimeout
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		sentinel = pkg.ErrNoDevice
	case errors.Is(err, gousb.ErrorBusy):
		sentinel = pkg.ErrBusy
	case errors.Is(err, gousb.ErrorOverflow), errors.Is(err, gousb.TransferOverflow):
		sentinel = pkg.ErrBufferTooSmall
	case errors.Is(err, gousb.TransferCancelled), errors.Is(err, gousb.ErrorInterrupted):
		sentinel = pkg.ErrCancelled
	case errors.Is(err, gousb.ErrorNotSupported):
		sentinel = pkg.ErrNotSupported
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
