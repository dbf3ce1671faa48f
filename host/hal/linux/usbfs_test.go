//go:build linux

package linux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

func TestIoctlNumbers(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("values below are for 64-bit layouts")
	}

	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"CONTROL", ioctlControl, 0xc0185500},
		{"BULK", ioctlBulk, 0xc0185502},
		{"CLAIMINTERFACE", ioctlClaimInterface, 0x8004550f},
		{"RELEASEINTERFACE", ioctlReleaseInterface, 0x80045510},
		{"IOCTL", ioctlIoctl, 0xc0105512},
		{"CLEAR_HALT", ioctlClearHalt, 0x80045515},
		{"DISCONNECT", ioctlDisconnect, 0x00005516},
		{"DISCONNECT_CLAIM", ioctlDisconnectClaim, 0x8108551b},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, "USBDEVFS_%s", tt.name)
	}
}

func TestMapErrno(t *testing.T) {
	tests := []struct {
		errno    unix.Errno
		sentinel error
	}{
		{unix.EPIPE, pkg.ErrStall},
		{unix.ETIMEDOUT, pkg.ErrTimeout},
		{unix.ENODEV, pkg.ErrNoDevice},
		{unix.ESHUTDOWN, pkg.ErrNoDevice},
		{unix.EBUSY, pkg.ErrBusy},
		{unix.EOVERFLOW, pkg.ErrBufferTooSmall},
		{unix.EPROTO, pkg.ErrProtocol},
	}
	for _, tt := range tests {
		err := mapErrno(tt.errno)
		assert.ErrorIs(t, err, tt.sentinel, "%v", tt.errno)
		assert.ErrorIs(t, err, tt.errno, "%v kept in chain", tt.errno)
	}

	assert.Equal(t, unix.EACCES, mapErrno(unix.EACCES))
	assert.Equal(t, os.ErrClosed, mapErrno(os.ErrClosed))
}

func TestTimeoutMillis(t *testing.T) {
	ms, err := timeoutMillis(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ms, "no deadline")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ms, err = timeoutMillis(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2000, ms, 100)

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	_, err = timeoutMillis(expired)
	assert.ErrorIs(t, err, pkg.ErrTimeout)

	cancelled, cancel3 := context.WithCancel(context.Background())
	cancel3()
	_, err = timeoutMillis(cancelled)
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeviceOnRegularFile(t *testing.T) {
	// A regular file accepts open but rejects usbfs ioctls.
	path := filepath.Join(t.TempDir(), "004")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	dev, err := OpenDevice(path)
	require.NoError(t, err)
	assert.Equal(t, path, dev.Path())

	_, err = dev.BulkTransfer(context.Background(), 0x81, make([]byte, 512))
	assert.ErrorIs(t, err, unix.ENOTTY)
	assert.Error(t, dev.ClaimInterface(0, false))

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err = dev.BulkTransfer(context.Background(), 0x81, make([]byte, 512))
	assert.ErrorIs(t, err, pkg.ErrClosed)
	_, err = dev.ControlTransfer(context.Background(), &hal.SetupPacket{}, nil)
	assert.ErrorIs(t, err, pkg.ErrClosed)
	assert.ErrorIs(t, dev.ClaimInterface(0, true), pkg.ErrClosed)
}

func TestDeviceControlTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "005")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	dev, err := OpenDevice(path)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ControlTransfer(context.Background(), &hal.SetupPacket{}, make([]byte, MaxControlTransferSize+1))
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}
