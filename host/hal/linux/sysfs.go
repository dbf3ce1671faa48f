//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// scanDevices reads every USB device below sysfsRoot. Device nodes are
// resolved below devfsRoot. Entries that cannot be parsed are skipped.
func scanDevices(sysfsRoot, devfsRoot string) ([]hal.Descriptor, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return nil, err
	}

	var devices []hal.Descriptor
	for _, entry := range entries {
		name := entry.Name()

		// Devices are named like "1-1" or "1-1.2"; root hubs are "usbN" and
		// interfaces carry a ":config.interface" suffix.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		desc, err := parseDevice(filepath.Join(sysfsRoot, name), devfsRoot)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping sysfs entry", "name", name, "error", err)
			continue
		}
		devices = append(devices, desc)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}

func parseDevice(dir, devfsRoot string) (hal.Descriptor, error) {
	var desc hal.Descriptor

	bus, err := readUint8(filepath.Join(dir, "busnum"))
	if err != nil {
		return desc, err
	}
	addr, err := readUint8(filepath.Join(dir, "devnum"))
	if err != nil {
		return desc, err
	}
	desc.Bus = bus
	desc.Address = addr
	desc.Path = devfsPath(devfsRoot, bus, addr)

	if v, err := readHexUint16(filepath.Join(dir, "idVendor")); err == nil {
		desc.VendorID = v
	}
	if v, err := readHexUint16(filepath.Join(dir, "idProduct")); err == nil {
		desc.ProductID = v
	}
	if v, err := readHexUint8(filepath.Join(dir, "bDeviceClass")); err == nil {
		desc.DeviceClass = v
	}
	if s, err := readString(filepath.Join(dir, "speed")); err == nil {
		desc.Speed = parseSpeed(s)
	}
	desc.Manufacturer, _ = readString(filepath.Join(dir, "manufacturer"))
	desc.Product, _ = readString(filepath.Join(dir, "product"))
	desc.SerialNumber, _ = readString(filepath.Join(dir, "serial"))

	desc.Interfaces = scanInterfaces(dir)
	return desc, nil
}

// scanInterfaces reads the interfaces of the active configuration.
func scanInterfaces(deviceDir string) []hal.InterfaceDescriptor {
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		return nil
	}

	prefix := filepath.Base(deviceDir) + ":"
	var ifaces []hal.InterfaceDescriptor
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		iface, err := parseInterface(filepath.Join(deviceDir, entry.Name()))
		if err != nil {
			continue
		}
		ifaces = append(ifaces, iface)
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Number < ifaces[j].Number })
	return ifaces
}

func parseInterface(dir string) (hal.InterfaceDescriptor, error) {
	var iface hal.InterfaceDescriptor

	n, err := readHexUint8(filepath.Join(dir, "bInterfaceNumber"))
	if err != nil {
		return iface, err
	}
	iface.Number = n

	if v, err := readHexUint8(filepath.Join(dir, "bAlternateSetting")); err == nil {
		iface.Alternate = v
	}
	if v, err := readHexUint8(filepath.Join(dir, "bInterfaceClass")); err == nil {
		iface.Class = v
	}
	if v, err := readHexUint8(filepath.Join(dir, "bInterfaceSubClass")); err == nil {
		iface.SubClass = v
	}
	if v, err := readHexUint8(filepath.Join(dir, "bInterfaceProtocol")); err == nil {
		iface.Protocol = v
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return iface, nil
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "ep_") {
			continue
		}
		ep, err := parseEndpoint(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		iface.Endpoints = append(iface.Endpoints, ep)
	}
	sort.Slice(iface.Endpoints, func(i, j int) bool {
		return iface.Endpoints[i].Address < iface.Endpoints[j].Address
	})
	return iface, nil
}

func parseEndpoint(dir string) (hal.EndpointDescriptor, error) {
	var ep hal.EndpointDescriptor

	addr, err := readHexUint8(filepath.Join(dir, "bEndpointAddress"))
	if err != nil {
		return ep, err
	}
	attrs, err := readHexUint8(filepath.Join(dir, "bmAttributes"))
	if err != nil {
		return ep, err
	}
	ep.Address = addr
	ep.Attributes = attrs

	if v, err := readHexUint16(filepath.Join(dir, "wMaxPacketSize")); err == nil {
		// Bits 11-12 encode high-bandwidth transactions per microframe.
		ep.MaxPacketSize = v & 0x07FF
	}
	if v, err := readHexUint8(filepath.Join(dir, "bInterval")); err == nil {
		ep.Interval = v
	}
	return ep, nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint8(path string) (uint8, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return uint8(v), nil
}

func readHex(path string, bitSize int) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func readHexUint8(path string) (uint8, error) {
	v, err := readHex(path, 8)
	return uint8(v), err
}

func readHexUint16(path string) (uint16, error) {
	v, err := readHex(path, 16)
	return uint16(v), err
}

// devfsPath returns the node path for a bus and device number, for example
// /dev/bus/usb/001/004.
func devfsPath(root string, bus, addr uint8) string {
	return filepath.Join(root, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr))
}

// parseSpeed converts a sysfs speed string in Mbit/s to a hal.Speed.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	case "5000", "10000", "20000":
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}
