package ptp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/ptpusb/pkg"
)

func TestNewCommandEncoding(t *testing.T) {
	c, err := NewCommand(OpGetObjectHandles, 2, AllStorage, AnyFormat, AnyParent)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n := c.MarshalTo(buf)
	require.Equal(t, 24, n)
	assert.Equal(t, []byte{
		0x18, 0x00, 0x00, 0x00, // length
		0x01, 0x00, // command
		0x07, 0x10, // GetObjectHandles
		0x02, 0x00, 0x00, 0x00, // transaction id
		0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x00, 0x00, 0x00,
		0xFF, 0xFF, 0xFF, 0xFF,
	}, buf[:n])
}

func TestNewCommandNoParams(t *testing.T) {
	c, err := NewCommand(OpCloseSession, 9)
	require.NoError(t, err)

	buf := make([]byte, HeaderSize)
	require.Equal(t, HeaderSize, c.MarshalTo(buf))
	assert.Equal(t, []byte{0x0C, 0, 0, 0, 0x01, 0, 0x03, 0x10, 0x09, 0, 0, 0}, buf)
}

func TestNewCommandTooManyParams(t *testing.T) {
	_, err := NewCommand(OpGetObject, 1, 1, 2, 3, 4, 5, 6)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestMarshalToShortBuffer(t *testing.T) {
	c, err := NewCommand(OpOpenSession, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, c.MarshalTo(make([]byte, 15)))
}

func TestParseHeader(t *testing.T) {
	var c Container

	assert.False(t, ParseHeader([]byte{0x0C, 0, 0, 0, 3, 0}, &c), "short")
	assert.False(t, ParseHeader([]byte{0x08, 0, 0, 0, 3, 0, 0x01, 0x20, 1, 0, 0, 0}, &c), "length below header size")

	require.True(t, ParseHeader([]byte{0x10, 0x02, 0, 0, 2, 0, 0x09, 0x10, 4, 0, 0, 0, 0xAA}, &c))
	assert.Equal(t, uint32(0x210), c.Length)
	assert.Equal(t, ContainerData, c.Type)
	assert.Equal(t, uint16(OpGetObject), c.Code)
	assert.Equal(t, uint32(4), c.TransactionID)
}

func TestParseResponse(t *testing.T) {
	data := []byte{
		0x14, 0, 0, 0, 3, 0, 0x01, 0x20, 7, 0, 0, 0,
		0x01, 0, 0, 0,
		0x02, 0, 0, 0,
	}

	var c Container
	require.NoError(t, ParseResponse(data, &c))
	assert.Equal(t, ContainerResponse, c.Type)
	assert.Equal(t, RCOK, c.ResponseCode())
	assert.Equal(t, uint32(7), c.TransactionID)
	assert.Equal(t, []uint32{1, 2}, c.Params)

	err := ParseResponse(data[:16], &c)
	assert.ErrorIs(t, err, pkg.ErrProtocol, "length beyond data")

	long := make([]byte, HeaderSize+24)
	long[0] = byte(len(long))
	long[4] = 3
	assert.ErrorIs(t, ParseResponse(long, &c), pkg.ErrProtocol, "six parameters")
}

func TestContainerString(t *testing.T) {
	c := Container{Length: 12, Type: ContainerResponse, Code: uint16(RCSessionAlreadyOpen), TransactionID: 3}
	assert.Equal(t, "response code=0x201e tid=3 len=12 params=[]", c.String())
	assert.Equal(t, "SessionAlreadyOpen", c.ResponseCode().String())
	assert.Equal(t, "Response(0x2fff)", ResponseCode(0x2FFF).String())
	assert.Equal(t, "GetObject", OpGetObject.String())
	assert.Equal(t, "Operation(0x9001)", OperationCode(0x9001).String())
	assert.Equal(t, "container(9)", ContainerType(9).String())
}
