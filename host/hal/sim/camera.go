package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Endpoint layout of the simulated still-image interface.
const (
	Interface     = 0
	EndpointIn    = 0x81
	EndpointOut   = 0x02
	EndpointEvent = 0x83
)

// Protocol values the camera understands.
const (
	headerSize = 12

	typeCommand  = 1
	typeData     = 2
	typeResponse = 3

	opOpenSession      = 0x1002
	opCloseSession     = 0x1003
	opGetObjectHandles = 0x1007
	opGetObject        = 0x1009

	rcOK                    = 0x2001
	rcSessionNotOpen        = 0x2003
	rcOperationNotSupported = 0x2005
	rcInvalidObjectHandle   = 0x2009
	rcInvalidParameter      = 0x201D
	rcSessionAlreadyOpen    = 0x201E

	reqCancel          = 0x64
	reqDeviceReset     = 0x66
	reqGetDeviceStatus = 0x67
)

// Object is one stored object.
type Object struct {
	Handle uint32
	Data   []byte
}

// Command records a command container received from the host.
type Command struct {
	Code          uint16
	TransactionID uint32
	Params        []uint32
}

// Faults scripts camera misbehavior. The zero value is a well-behaved camera.
type Faults struct {
	// ClaimErr is returned by ClaimInterface.
	ClaimErr error

	// Responses overrides the response code of an operation. No data phase
	// is sent for an overridden operation.
	Responses map[uint16]uint16

	// ObjectResponses overrides the GetObject response code per handle.
	ObjectResponses map[uint32]uint16

	// WriteErrors fails the command write of GetObject for these handles.
	WriteErrors map[uint32]error

	// ReadErrors makes every bulk IN read after GetObject of these handles
	// fail with the error until the next command.
	ReadErrors map[uint32]error

	// StallObjects stalls the first bulk IN read after GetObject of these
	// handles. Reads resume once the halt is cleared.
	StallObjects map[uint32]bool

	// Silent operations are accepted but never answered; reads block until
	// the caller's deadline.
	Silent map[uint16]bool

	// ZeroReads is the number of zero-length reads returned before each
	// queued transfer.
	ZeroReads int

	// BadHandleCount makes GetObjectHandles declare one element more than
	// it sends.
	BadHandleCount bool

	// PartialObjects makes GetObject of these handles send only the first n
	// bytes of its data container and then go quiet. The rest of the data
	// phase and the response stay in the camera and are sent ahead of the
	// reply to the next command, unless a Cancel or Device Reset request
	// discards them first.
	PartialObjects map[uint32]int

	// OmitZLP suppresses the zero-length packet after a transfer that ends
	// on a packet boundary, so the next transfer continues in the same read.
	OmitZLP bool
}

// Camera is a simulated PTP camera.
type Camera struct {
	mu sync.Mutex

	path       string
	packetSize int
	objects    []Object
	faults     Faults

	claimed  bool
	closed   bool
	session  uint32
	queue    [][]byte // pending bulk IN transfers
	current  []byte   // remainder of the transfer being read
	zlp      bool     // a zero-length packet is owed
	zeros    int      // zero-length reads left before the next transfer
	readErr  error
	stalled  bool
	halted   bool
	silent   bool
	held     [][]byte // transfers withheld by a partial data phase
	commands []Command

	claims     int
	releases   int
	closes     int
	haltClears int
	resets     int
	cancels    int
}

var _ hal.Device = (*Camera)(nil)

// NewCamera returns a camera storing objects in the given order.
func NewCamera(objects ...Object) *Camera {
	return &Camera{path: "sim:0", packetSize: 512, objects: objects}
}

// SetPacketSize changes the bulk packet size reported and used for
// zero-length packet framing.
func (c *Camera) SetPacketSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.packetSize = n
	}
}

// Inject replaces the camera's fault script.
func (c *Camera) Inject(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// Descriptor returns the camera's device descriptor.
func (c *Camera) Descriptor() hal.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hal.Descriptor{
		Path:         c.path,
		VendorID:     0x04A9,
		ProductID:    0x3218,
		Speed:        hal.SpeedHigh,
		Manufacturer: "ptpusb",
		Product:      "Simulated Camera",
		SerialNumber: "SIM0001",
		Interfaces: []hal.InterfaceDescriptor{{
			Number:   Interface,
			Class:    hal.ClassStillImage,
			SubClass: 0x01,
			Protocol: 0x01,
			Endpoints: []hal.EndpointDescriptor{
				{Address: EndpointIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: uint16(c.packetSize)},
				{Address: EndpointOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: uint16(c.packetSize)},
				{Address: EndpointEvent, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: 8, Interval: 9},
			},
		}},
	}
}

// ClaimInterface claims the still-image interface.
func (c *Camera) ClaimInterface(iface uint8, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.claims++
	switch {
	case c.closed:
		return pkg.ErrNoDevice
	case c.faults.ClaimErr != nil:
		return c.faults.ClaimErr
	case iface != Interface:
		return fmt.Errorf("interface %d: %w", iface, pkg.ErrInvalidParameter)
	case c.claimed:
		return pkg.ErrBusy
	}
	c.claimed = true
	return nil
}

// ReleaseInterface releases the interface.
func (c *Camera) ReleaseInterface(iface uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releases++
	if !c.claimed {
		return fmt.Errorf("interface %d not claimed: %w", iface, pkg.ErrInvalidParameter)
	}
	c.claimed = false
	return nil
}

// Close closes the device. Every later transfer fails with pkg.ErrNoDevice.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closed = true
	return nil
}

// BulkTransfer reads from EndpointIn or writes a command to EndpointOut.
func (c *Camera) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	switch endpoint {
	case EndpointIn:
		return c.read(ctx, data)
	case EndpointOut:
		return c.write(data)
	default:
		return 0, fmt.Errorf("endpoint 0x%02x: %w", endpoint, pkg.ErrInvalidEndpoint)
	}
}

func (c *Camera) usable() error {
	switch {
	case c.closed:
		return pkg.ErrNoDevice
	case !c.claimed:
		return fmt.Errorf("interface %d not claimed: %w", Interface, pkg.ErrBusy)
	}
	return nil
}

func (c *Camera) read(ctx context.Context, buf []byte) (int, error) {
	c.mu.Lock()

	if err := c.usable(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if c.halted {
		c.mu.Unlock()
		return 0, pkg.ErrStall
	}
	if c.stalled {
		c.stalled = false
		c.halted = true
		c.mu.Unlock()
		return 0, pkg.ErrStall
	}
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return 0, err
	}
	if c.zlp {
		c.zlp = false
		c.mu.Unlock()
		return 0, nil
	}
	if len(c.current) == 0 && len(c.queue) > 0 && c.zeros > 0 {
		c.zeros--
		c.mu.Unlock()
		return 0, nil
	}
	if len(c.current) == 0 && len(c.queue) == 0 {
		silent := c.silent
		c.mu.Unlock()
		if silent {
			<-ctx.Done()
			return 0, pkg.ErrTimeout
		}
		return 0, nil
	}
	defer c.mu.Unlock()

	n := 0
	for n < len(buf) {
		if len(c.current) == 0 {
			if len(c.queue) == 0 {
				break
			}
			c.current = c.queue[0]
			c.queue = c.queue[1:]
			c.zeros = c.faults.ZeroReads
		}

		k := copy(buf[n:], c.current)
		n += k
		c.current = c.current[k:]
		if len(c.current) > 0 {
			break
		}

		// The transfer is complete. A short final packet ends the read; a
		// full one is followed by a zero-length packet or, without one, by
		// the next transfer.
		if n%c.packetSize != 0 {
			break
		}
		if !c.faults.OmitZLP {
			c.zlp = true
			break
		}
	}
	return n, nil
}

func (c *Camera) write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return 0, err
	}
	if len(data) < headerSize {
		return 0, fmt.Errorf("short command (%d bytes): %w", len(data), pkg.ErrProtocol)
	}

	length := int(binary.LittleEndian.Uint32(data[0:]))
	typ := binary.LittleEndian.Uint16(data[4:])
	if typ != typeCommand || length < headerSize || length > len(data) {
		return 0, fmt.Errorf("malformed command: %w", pkg.ErrProtocol)
	}
	cmd := Command{
		Code:          binary.LittleEndian.Uint16(data[6:]),
		TransactionID: binary.LittleEndian.Uint32(data[8:]),
	}
	for off := headerSize; off+4 <= length; off += 4 {
		cmd.Params = append(cmd.Params, binary.LittleEndian.Uint32(data[off:]))
	}
	c.commands = append(c.commands, cmd)

	if cmd.Code == opGetObject && len(cmd.Params) > 0 {
		if err := c.faults.WriteErrors[cmd.Params[0]]; err != nil {
			return 0, err
		}
	}

	// A new command abandons whatever the previous one left unread, except
	// a withheld data phase.
	c.queue = append(c.queue[:0], c.held...)
	c.held = nil
	c.current = nil
	c.zlp = false
	c.readErr = nil
	c.silent = false
	c.zeros = c.faults.ZeroReads

	c.handle(cmd)
	return length, nil
}

func (c *Camera) handle(cmd Command) {
	if c.faults.Silent[cmd.Code] {
		c.silent = true
		return
	}
	if rc, ok := c.faults.Responses[cmd.Code]; ok {
		c.respond(cmd, rc)
		return
	}

	switch cmd.Code {
	case opOpenSession:
		switch {
		case c.session != 0:
			c.respond(cmd, rcSessionAlreadyOpen)
		case len(cmd.Params) == 0 || cmd.Params[0] == 0:
			c.respond(cmd, rcInvalidParameter)
		default:
			c.session = cmd.Params[0]
			c.respond(cmd, rcOK)
		}

	case opCloseSession:
		if c.session == 0 {
			c.respond(cmd, rcSessionNotOpen)
			return
		}
		c.session = 0
		c.respond(cmd, rcOK)

	case opGetObjectHandles:
		if c.session == 0 {
			c.respond(cmd, rcSessionNotOpen)
			return
		}
		count := uint32(len(c.objects))
		if c.faults.BadHandleCount {
			count++
		}
		payload := binary.LittleEndian.AppendUint32(nil, count)
		for _, obj := range c.objects {
			payload = binary.LittleEndian.AppendUint32(payload, obj.Handle)
		}
		c.sendData(cmd, payload)
		c.respond(cmd, rcOK)

	case opGetObject:
		if c.session == 0 {
			c.respond(cmd, rcSessionNotOpen)
			return
		}
		if len(cmd.Params) == 0 {
			c.respond(cmd, rcInvalidParameter)
			return
		}
		h := cmd.Params[0]
		if rc, ok := c.faults.ObjectResponses[h]; ok {
			c.respond(cmd, rc)
			return
		}
		if err := c.faults.ReadErrors[h]; err != nil {
			c.readErr = err
			return
		}
		obj, ok := c.object(h)
		if !ok {
			c.respond(cmd, rcInvalidObjectHandle)
			return
		}
		c.stalled = c.faults.StallObjects[h]
		c.sendData(cmd, obj.Data)
		c.respond(cmd, rcOK)
		if n, ok := c.faults.PartialObjects[h]; ok {
			c.withhold(n)
		}

	default:
		c.respond(cmd, rcOperationNotSupported)
	}
}

func (c *Camera) object(h uint32) (Object, bool) {
	for _, obj := range c.objects {
		if obj.Handle == h {
			return obj, true
		}
	}
	return Object{}, false
}

func (c *Camera) sendData(cmd Command, payload []byte) {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:], typeData)
	binary.LittleEndian.PutUint16(buf[6:], cmd.Code)
	binary.LittleEndian.PutUint32(buf[8:], cmd.TransactionID)
	copy(buf[headerSize:], payload)
	c.queue = append(c.queue, buf)
}

// withhold keeps back everything queued after the first n bytes.
func (c *Camera) withhold(n int) {
	if len(c.queue) == 0 || n >= len(c.queue[0]) {
		return
	}
	first := c.queue[0]
	c.held = append([][]byte{first[n:]}, c.queue[1:]...)
	c.queue = append(c.queue[:0], first[:n])
	c.silent = true
}

func (c *Camera) respond(cmd Command, code uint16) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], headerSize)
	binary.LittleEndian.PutUint16(buf[4:], typeResponse)
	binary.LittleEndian.PutUint16(buf[6:], code)
	binary.LittleEndian.PutUint32(buf[8:], cmd.TransactionID)
	c.queue = append(c.queue, buf)
}

// ControlTransfer answers CLEAR_FEATURE(ENDPOINT_HALT) and the still-image
// class requests. Anything else stalls.
func (c *Camera) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, pkg.ErrNoDevice
	}

	standardEndpoint := uint8(hal.RequestTypeStandard | hal.RequestTypeEndpoint)
	classInterface := uint8(hal.RequestTypeClass | hal.RequestTypeInterface)

	switch {
	case setup.RequestType == standardEndpoint && setup.Request == hal.RequestClearFeature:
		c.haltClears++
		if uint8(setup.Index) == EndpointIn {
			c.halted = false
		}
		return 0, nil

	case setup.RequestType == classInterface|hal.RequestTypeIn && setup.Request == reqGetDeviceStatus:
		status := []byte{4, 0, 0, 0}
		binary.LittleEndian.PutUint16(status[2:], rcOK)
		if c.halted {
			status[0] = 8
			status = binary.LittleEndian.AppendUint32(status, EndpointIn)
		}
		return copy(data, status), nil

	case setup.RequestType == classInterface && setup.Request == reqDeviceReset:
		c.resets++
		c.session = 0
		c.clearPending()
		return 0, nil

	case setup.RequestType == classInterface && setup.Request == reqCancel:
		c.cancels++
		c.clearPending()
		return len(data), nil
	}
	return 0, pkg.ErrStall
}

func (c *Camera) clearPending() {
	c.queue = c.queue[:0]
	c.current = nil
	c.zlp = false
	c.readErr = nil
	c.silent = false
	c.stalled = false
	c.halted = false
	c.held = nil
}

func (c *Camera) reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	c.claimed = false
	c.session = 0
	c.clearPending()
}

// Commands returns the commands received so far.
func (c *Camera) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.commands...)
}

// Stats reports how often each lifecycle call was made.
type Stats struct {
	Claims     int
	Releases   int
	Closes     int
	HaltClears int
	Resets     int
	Cancels    int
}

// Stats returns the lifecycle counters.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Claims:     c.claims,
		Releases:   c.releases,
		Closes:     c.closes,
		HaltClears: c.haltClears,
		Resets:     c.resets,
		Cancels:    c.cancels,
	}
}

// SessionID returns the open session, or zero.
func (c *Camera) SessionID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
