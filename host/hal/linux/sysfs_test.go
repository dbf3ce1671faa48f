//go:build linux

package linux

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// =============================================================================
// devfsPath Tests
// =============================================================================

func TestDevfsPath(t *testing.T) {
	tests := []struct {
		root     string
		bus      uint8
		addr     uint8
		expected string
	}{
		{DevfsUSBPath, 1, 1, "/dev/bus/usb/001/001"},
		{DevfsUSBPath, 1, 123, "/dev/bus/usb/001/123"},
		{DevfsUSBPath, 12, 34, "/dev/bus/usb/012/034"},
		{"/tmp/usb", 255, 255, "/tmp/usb/255/255"},
	}

	for _, tt := range tests {
		got := devfsPath(tt.root, tt.bus, tt.addr)
		if got != tt.expected {
			t.Errorf("devfsPath(%q, %d, %d) = %q, want %q", tt.root, tt.bus, tt.addr, got, tt.expected)
		}
	}
}

// =============================================================================
// parseSpeed Tests
// =============================================================================

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		input    string
		expected hal.Speed
	}{
		{"1.5", hal.SpeedLow},
		{"12", hal.SpeedFull},
		{"480", hal.SpeedHigh},
		{"5000", hal.SpeedSuper},
		{"10000", hal.SpeedSuper},
		{"", hal.SpeedUnknown},
		{"invalid", hal.SpeedUnknown},
	}

	for _, tt := range tests {
		got := parseSpeed(tt.input)
		if got != tt.expected {
			t.Errorf("parseSpeed(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

// =============================================================================
// Sysfs Fixture Tests
// =============================================================================

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, value := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
	}
}

// sysfsFixture builds a tree with a root hub, a hub-attached camera and a
// keyboard.
func sysfsFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeAttrs(t, filepath.Join(root, "usb1"), map[string]string{
		"busnum": "1", "devnum": "1", "idVendor": "1d6b", "idProduct": "0002", "bDeviceClass": "09",
	})

	camera := filepath.Join(root, "1-1.2")
	writeAttrs(t, camera, map[string]string{
		"busnum":       "1",
		"devnum":       "7",
		"idVendor":     "04a9",
		"idProduct":    "3218",
		"bDeviceClass": "00",
		"speed":        "480",
		"manufacturer": "Canon Inc.",
		"product":      "Canon Digital Camera",
		"serial":       "A1B2C3",
	})
	iface := filepath.Join(camera, "1-1.2:1.0")
	writeAttrs(t, iface, map[string]string{
		"bInterfaceNumber":   "00",
		"bAlternateSetting":  " 0",
		"bInterfaceClass":    "06",
		"bInterfaceSubClass": "01",
		"bInterfaceProtocol": "01",
	})
	writeAttrs(t, filepath.Join(iface, "ep_81"), map[string]string{
		"bEndpointAddress": "81", "bmAttributes": "02", "wMaxPacketSize": "0200", "bInterval": "00",
	})
	writeAttrs(t, filepath.Join(iface, "ep_02"), map[string]string{
		"bEndpointAddress": "02", "bmAttributes": "02", "wMaxPacketSize": "0200", "bInterval": "00",
	})
	writeAttrs(t, filepath.Join(iface, "ep_83"), map[string]string{
		"bEndpointAddress": "83", "bmAttributes": "03", "wMaxPacketSize": "0008", "bInterval": "09",
	})

	keyboard := filepath.Join(root, "1-1.1")
	writeAttrs(t, keyboard, map[string]string{
		"busnum": "1", "devnum": "5", "idVendor": "046d", "idProduct": "c31c", "speed": "1.5",
	})
	writeAttrs(t, filepath.Join(keyboard, "1-1.1:1.0"), map[string]string{
		"bInterfaceNumber": "00", "bInterfaceClass": "03",
	})

	// Missing devnum: skipped.
	writeAttrs(t, filepath.Join(root, "2-1"), map[string]string{"busnum": "2"})

	return root
}

func TestScanDevices(t *testing.T) {
	root := sysfsFixture(t)

	devices, err := scanDevices(root, "/dev/bus/usb")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	kbd, cam := devices[0], devices[1]
	assert.Equal(t, uint8(5), kbd.Address)
	assert.Equal(t, hal.SpeedLow, kbd.Speed)
	assert.False(t, kbd.IsStillImage())

	assert.Equal(t, "/dev/bus/usb/001/007", cam.Path)
	assert.Equal(t, uint8(1), cam.Bus)
	assert.Equal(t, uint8(7), cam.Address)
	assert.Equal(t, uint16(0x04a9), cam.VendorID)
	assert.Equal(t, uint16(0x3218), cam.ProductID)
	assert.Equal(t, hal.SpeedHigh, cam.Speed)
	assert.Equal(t, "Canon Inc.", cam.Manufacturer)
	assert.Equal(t, "Canon Digital Camera", cam.Product)
	assert.Equal(t, "A1B2C3", cam.SerialNumber)
	assert.True(t, cam.IsStillImage())

	iface := cam.FindInterface(hal.ClassStillImage)
	require.NotNil(t, iface)
	assert.Equal(t, uint8(0x01), iface.SubClass)
	require.Len(t, iface.Endpoints, 3)
	assert.Equal(t, []uint8{0x02, 0x81, 0x83}, []uint8{
		iface.Endpoints[0].Address, iface.Endpoints[1].Address, iface.Endpoints[2].Address,
	})

	in := iface.FindEndpoint(hal.TransferBulk, true)
	require.NotNil(t, in)
	assert.Equal(t, uint16(512), in.MaxPacketSize)
	ev := iface.FindEndpoint(hal.TransferInterrupt, true)
	require.NotNil(t, ev)
	assert.Equal(t, uint8(9), ev.Interval)
}

func TestScanDevicesMissingRoot(t *testing.T) {
	_, err := scanDevices(filepath.Join(t.TempDir(), "absent"), DevfsUSBPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseEndpointHighBandwidth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ep_81")
	writeAttrs(t, dir, map[string]string{
		"bEndpointAddress": "81", "bmAttributes": "01", "wMaxPacketSize": "1400",
	})

	ep, err := parseEndpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x400), ep.MaxPacketSize)
	assert.Equal(t, hal.TransferIsochronous, ep.TransferType())
}

// =============================================================================
// Backend Tests
// =============================================================================

func TestBackendDevices(t *testing.T) {
	root := sysfsFixture(t)
	ids := filepath.Join(t.TempDir(), "usb.ids")
	require.NoError(t, os.WriteFile(ids, []byte(usbIDsFixture), 0o644))
	b := NewBackend(WithSysfsRoot(root), WithDevfsRoot("/nodes"), WithUSBIDPaths(ids))

	devices, err := b.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "/nodes/001/007", devices[1].Path)
	assert.Equal(t, "Logitech, Inc.", devices[0].Manufacturer)
	assert.Equal(t, "Keyboard K120", devices[0].Product)
	assert.Equal(t, "Canon Digital Camera", devices[1].Product)

	require.NoError(t, b.Close())
	_, err = b.Devices(context.Background())
	assert.ErrorIs(t, err, pkg.ErrClosed)
	_, err = b.Open(context.Background(), devices[1])
	assert.ErrorIs(t, err, pkg.ErrClosed)
}

func TestBackendOpenMissing(t *testing.T) {
	b := NewBackend(WithDevfsRoot(t.TempDir()))

	dev, err := b.Open(context.Background(), hal.Descriptor{Bus: 1, Address: 9})
	assert.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Nil(t, dev)
}
