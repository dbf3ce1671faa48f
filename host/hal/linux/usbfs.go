//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/ptpusb/pkg"
)

func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeout uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeout,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlPtr(fd, ioctlControl, unsafe.Pointer(&ctrl))
}

func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlPtr(fd, ioctlBulk, unsafe.Pointer(&bulk))
}

func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlClaimInterface, unsafe.Pointer(&n))
	return err
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlReleaseInterface, unsafe.Pointer(&n))
	return err
}

func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctlPtr(fd, ioctlClearHalt, unsafe.Pointer(&ep))
	return err
}

// disconnectAndClaim detaches any kernel driver except usbfs from iface and
// claims it in one step.
func disconnectAndClaim(fd int, iface uint8) error {
	dc := disconnectClaim{iface: uint32(iface), flags: disconnectClaimExceptDriver}
	copy(dc.driver[:], "usbfs")
	_, err := ioctlPtr(fd, ioctlDisconnectClaim, unsafe.Pointer(&dc))
	return err
}

// disconnectDriver detaches the kernel driver bound to iface. ENODATA means
// no driver was bound.
func disconnectDriver(fd int, iface uint8) error {
	req := ioctlRequest{iface: int32(iface), code: int32(ioctlDisconnect)}
	_, err := ioctlPtr(fd, ioctlIoctl, unsafe.Pointer(&req))
	if errors.Is(err, unix.ENODATA) {
		return nil
	}
	return err
}

// timeoutMillis converts the context deadline into an ioctl timeout. Zero
// means no timeout.
func timeoutMillis(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, contextError(err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, nil
	}
	ms := time.Until(deadline).Milliseconds()
	switch {
	case ms < 1:
		return 1, nil
	case ms > int64(^uint32(0)):
		return ^uint32(0), nil
	}
	return uint32(ms), nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", pkg.ErrCancelled, err)
}

// mapErrno attaches the transport sentinel matching a usbfs errno.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	var sentinel error
	switch errno {
	case unix.EPIPE:
		sentinel = pkg.ErrStall
	case unix.ETIMEDOUT:
		sentinel = pkg.ErrTimeout
	case unix.ENODEV, unix.ESHUTDOWN:
		sentinel = pkg.ErrNoDevice
	case unix.EBUSY:
		sentinel = pkg.ErrBusy
	case unix.ENOENT:
		sentinel = pkg.ErrCancelled
	case unix.EOVERFLOW:
		sentinel = pkg.ErrBufferTooSmall
	case unix.EPROTO, unix.EILSEQ:
		sentinel = pkg.ErrProtocol
	case unix.EINVAL:
		sentinel = pkg.ErrInvalidParameter
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
