package hal

import (
	"context"
	"fmt"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// ClassStillImage is the interface class code of PTP still-image devices.
const ClassStillImage = 0x06

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Request type bits used by control transfers.
const (
	RequestTypeIn        = 0x80
	RequestTypeOut       = 0x00
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// Standard requests and features used outside enumeration.
const (
	RequestClearFeature = 0x01
	FeatureEndpointHalt = 0x00
)

// IsIn reports whether the data stage flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("transfer(%d)", uint8(t))
	}
}

// EndpointDescriptor describes one endpoint of an interface.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// InterfaceDescriptor describes one interface and its endpoints.
type InterfaceDescriptor struct {
	Number    uint8
	Alternate uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDescriptor
}

// FindEndpoint returns the first endpoint with the given transfer type and
// direction, or nil.
func (i *InterfaceDescriptor) FindEndpoint(tt TransferType, in bool) *EndpointDescriptor {
	for k := range i.Endpoints {
		ep := &i.Endpoints[k]
		if ep.TransferType() == tt && ep.IsIn() == in {
			return ep
		}
	}
	return nil
}

// Descriptor is what device discovery hands to the transport: identity plus
// the interface tree of the active configuration.
type Descriptor struct {
	Path         string // Backend-specific location, e.g. /dev/bus/usb/001/004
	Bus          uint8
	Address      uint8
	VendorID     uint16
	ProductID    uint16
	DeviceClass  uint8
	Speed        Speed
	Manufacturer string
	Product      string
	SerialNumber string
	Interfaces   []InterfaceDescriptor
}

// FindInterface returns the first interface of the given class, or nil.
func (d *Descriptor) FindInterface(class uint8) *InterfaceDescriptor {
	for k := range d.Interfaces {
		if d.Interfaces[k].Class == class {
			return &d.Interfaces[k]
		}
	}
	return nil
}

// IsStillImage reports whether the device exposes a PTP interface.
func (d *Descriptor) IsStillImage() bool {
	return d.DeviceClass == ClassStillImage || d.FindInterface(ClassStillImage) != nil
}

// String returns a short identification of the device.
func (d Descriptor) String() string {
	name := d.Product
	if name == "" {
		name = "usb device"
	}
	return fmt.Sprintf("%s [%04x:%04x] %s", name, d.VendorID, d.ProductID, d.Path)
}

// Device is an opened, permission-granted USB device.
//
// Implementations must allow concurrent calls on different endpoints. The
// transport never issues two calls on the same endpoint concurrently.
type Device interface {
	// ClaimInterface claims exclusive access to an interface. When force is
	// set, an OS driver bound to the interface is detached first.
	ClaimInterface(iface uint8, force bool) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(iface uint8) error

	// BulkTransfer performs one bulk transfer. For IN endpoints data is
	// filled; for OUT endpoints data is sent. The context deadline bounds
	// the transfer.
	BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)

	// ControlTransfer performs a control transfer on the default pipe.
	ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte) (int, error)

	// Close releases the device handle.
	Close() error
}

// InterruptTransferer is implemented by devices that can read interrupt
// endpoints. The transport treats it as optional.
type InterruptTransferer interface {
	InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)
}

// Backend discovers and opens devices on one platform.
type Backend interface {
	// Devices lists attached devices with their interface trees.
	Devices(ctx context.Context) ([]Descriptor, error)

	// Open opens the device described by desc.
	Open(ctx context.Context, desc Descriptor) (Device, error)

	// Close releases backend resources.
	Close() error
}
