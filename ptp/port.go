package ptp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ardnew/ptpusb/host"
	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Port is the packet transport an Engine runs transactions over.
type Port interface {
	// SendCommand frames and writes a command container.
	SendCommand(ctx context.Context, op OperationCode, tid uint32, params []uint32) error

	// ReadPacket reads one transfer from the device into buf.
	ReadPacket(ctx context.Context, buf []byte) (int, error)

	// PacketSize returns the maximum packet size of the IN direction.
	PacketSize() int

	// Close releases the transport.
	Close() error
}

// EventReader is implemented by ports that can read the event endpoint.
type EventReader interface {
	ReadEvent(ctx context.Context, buf []byte) (int, error)
}

// TimeoutSetter is implemented by ports whose read timeout can change.
type TimeoutSetter interface {
	SetTimeout(d time.Duration) error
}

// Canceler is implemented by ports that can abort a transaction in progress
// and query the device's status afterwards.
type Canceler interface {
	CancelTransaction(ctx context.Context, tid uint32) error
	Status(ctx context.Context) (DeviceStatus, error)
}

// ReadEvent reads an event container from p, or returns pkg.ErrNotSupported
// if p has no event capability.
func ReadEvent(ctx context.Context, p Port, buf []byte) (int, error) {
	if er, ok := p.(EventReader); ok {
		return er.ReadEvent(ctx, buf)
	}
	return 0, pkg.ErrNotSupported
}

// SetTimeout changes the read timeout of p, or returns pkg.ErrNotSupported
// if p cannot.
func SetTimeout(p Port, d time.Duration) error {
	if ts, ok := p.(TimeoutSetter); ok {
		return ts.SetTimeout(d)
	}
	return pkg.ErrNotSupported
}

// DeviceStatus is the payload of a GET_DEVICE_STATUS class request.
type DeviceStatus struct {
	Code   ResponseCode
	Params []uint32 // typically endpoint addresses that are halted
}

// USBPort is a Port over a host.Channel.
type USBPort struct {
	ch  *host.Channel
	cmd [HeaderSize + 4*MaxParams]byte
}

var (
	_ Port          = (*USBPort)(nil)
	_ EventReader   = (*USBPort)(nil)
	_ TimeoutSetter = (*USBPort)(nil)
	_ Canceler      = (*USBPort)(nil)
)

// NewUSBPort returns a port over an initialized channel.
func NewUSBPort(ch *host.Channel) *USBPort {
	return &USBPort{ch: ch}
}

// Channel returns the underlying channel.
func (p *USBPort) Channel() *host.Channel {
	return p.ch
}

// SendCommand frames a command container and writes it to the bulk OUT
// endpoint in a single transfer.
func (p *USBPort) SendCommand(ctx context.Context, op OperationCode, tid uint32, params []uint32) error {
	c, err := NewCommand(op, tid, params...)
	if err != nil {
		return err
	}
	n := c.MarshalTo(p.cmd[:])

	pkg.LogDebug(pkg.ComponentPort, "command", "op", op, "tid", tid, "params", params)
	_, err = p.ch.WriteBulk(ctx, p.cmd[:], n)
	return err
}

// ReadPacket reads one bulk IN transfer, retrying under the channel's policy.
func (p *USBPort) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	return p.ch.ReadBulk(ctx, buf)
}

// PacketSize returns the bulk IN maximum packet size.
func (p *USBPort) PacketSize() int {
	return p.ch.MaxPacketSizeIn()
}

// ReadEvent reads the interrupt endpoint, if the device has one.
func (p *USBPort) ReadEvent(ctx context.Context, buf []byte) (int, error) {
	return p.ch.ReadEvent(ctx, buf)
}

// SetTimeout changes the per-attempt bulk IN timeout.
func (p *USBPort) SetTimeout(d time.Duration) error {
	return p.ch.SetTimeout(d)
}

// Close releases the claimed interface.
func (p *USBPort) Close() error {
	return p.ch.Release()
}

func (p *USBPort) classRequest(ctx context.Context, in bool, request uint8, buf []byte) (int, error) {
	rt := uint8(hal.RequestTypeClass | hal.RequestTypeInterface)
	if in {
		rt |= hal.RequestTypeIn
	}
	return p.ch.ControlTransfer(ctx, rt, request, 0, uint16(p.ch.Interface()), buf)
}

// Reset issues the still-image Device Reset request.
func (p *USBPort) Reset(ctx context.Context) error {
	_, err := p.classRequest(ctx, false, RequestDeviceReset, nil)
	if err != nil {
		return fmt.Errorf("device reset: %w", err)
	}
	return nil
}

// CancelTransaction issues the still-image Cancel request for tid.
func (p *USBPort) CancelTransaction(ctx context.Context, tid uint32) error {
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:], 0x4001) // cancellation event code
	binary.LittleEndian.PutUint32(buf[2:], tid)
	if _, err := p.classRequest(ctx, false, RequestCancel, buf[:]); err != nil {
		return fmt.Errorf("cancel transaction %d: %w", tid, err)
	}
	return nil
}

// Status issues the still-image Get Device Status request.
func (p *USBPort) Status(ctx context.Context) (DeviceStatus, error) {
	var buf [64]byte
	n, err := p.classRequest(ctx, true, RequestGetDeviceStatus, buf[:])
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("get device status: %w", err)
	}
	return parseDeviceStatus(buf[:n])
}

func parseDeviceStatus(data []byte) (DeviceStatus, error) {
	if len(data) < 4 {
		return DeviceStatus{}, fmt.Errorf("device status: %d bytes: %w", len(data), pkg.ErrProtocol)
	}
	length := int(binary.LittleEndian.Uint16(data[0:]))
	if length < 4 || length > len(data) {
		length = len(data)
	}
	st := DeviceStatus{Code: ResponseCode(binary.LittleEndian.Uint16(data[2:]))}
	for off := 4; off+4 <= length; off += 4 {
		st.Params = append(st.Params, binary.LittleEndian.Uint32(data[off:]))
	}
	return st, nil
}
