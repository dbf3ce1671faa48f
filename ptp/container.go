package ptp

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/ptpusb/pkg"
)

// HeaderSize is the size of a USB container header in bytes.
const HeaderSize = 12

// MaxParams is the maximum number of parameters in a command or response.
const MaxParams = 5

// Container is a PTP USB container without its data payload.
//
// On the wire every field is little-endian:
//
//	offset 0   uint32  length of the whole container
//	offset 4   uint16  type
//	offset 6   uint16  code
//	offset 8   uint32  transaction id
//	offset 12  uint32  parameters (command and response only)
type Container struct {
	Length        uint32
	Type          ContainerType
	Code          uint16
	TransactionID uint32
	Params        []uint32
}

// NewCommand returns a command container for op.
func NewCommand(op OperationCode, tid uint32, params ...uint32) (Container, error) {
	if len(params) > MaxParams {
		return Container{}, fmt.Errorf("%s: %d parameters: %w", op, len(params), pkg.ErrInvalidParameter)
	}
	return Container{
		Length:        uint32(HeaderSize + 4*len(params)),
		Type:          ContainerCommand,
		Code:          uint16(op),
		TransactionID: tid,
		Params:        params,
	}, nil
}

// Size returns the encoded size of the header and parameters.
func (c *Container) Size() int {
	return HeaderSize + 4*len(c.Params)
}

// MarshalTo encodes the header and parameters into buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Container) MarshalTo(buf []byte) int {
	n := c.Size()
	if len(buf) < n {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:], c.Length)
	binary.LittleEndian.PutUint16(buf[4:], uint16(c.Type))
	binary.LittleEndian.PutUint16(buf[6:], c.Code)
	binary.LittleEndian.PutUint32(buf[8:], c.TransactionID)
	for i, p := range c.Params {
		binary.LittleEndian.PutUint32(buf[HeaderSize+4*i:], p)
	}
	return n
}

// ParseHeader decodes a container header from data.
// Returns false if data is shorter than HeaderSize or the length field is
// smaller than a header.
func ParseHeader(data []byte, out *Container) bool {
	if len(data) < HeaderSize {
		return false
	}
	out.Length = binary.LittleEndian.Uint32(data[0:])
	out.Type = ContainerType(binary.LittleEndian.Uint16(data[4:]))
	out.Code = binary.LittleEndian.Uint16(data[6:])
	out.TransactionID = binary.LittleEndian.Uint32(data[8:])
	out.Params = out.Params[:0]
	return out.Length >= HeaderSize
}

// ParseResponse decodes a complete response or command container, including
// its parameters, from data.
func ParseResponse(data []byte, out *Container) error {
	if !ParseHeader(data, out) {
		return fmt.Errorf("short container header (%d bytes): %w", len(data), pkg.ErrProtocol)
	}
	if int(out.Length) > len(data) {
		return fmt.Errorf("container length %d exceeds %d bytes read: %w", out.Length, len(data), pkg.ErrProtocol)
	}
	nparams := (int(out.Length) - HeaderSize) / 4
	if nparams > MaxParams {
		return fmt.Errorf("%d parameters: %w", nparams, pkg.ErrProtocol)
	}
	for i := 0; i < nparams; i++ {
		out.Params = append(out.Params, binary.LittleEndian.Uint32(data[HeaderSize+4*i:]))
	}
	return nil
}

// ResponseCode returns Code as a ResponseCode.
func (c *Container) ResponseCode() ResponseCode {
	return ResponseCode(c.Code)
}

func (c Container) String() string {
	return fmt.Sprintf("%s code=0x%04x tid=%d len=%d params=%v", c.Type, c.Code, c.TransactionID, c.Length, c.Params)
}
