//go:build linux

package linux

import "unsafe"

// ioctl encoding shared by x86, arm, arm64 and riscv (asm-generic):
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16-29: argument size (size)
//	bits 30-31: direction (dir)

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func iocNoData(typ, nr uintptr) uintptr  { return ioc(iocNone, typ, nr, 0) }

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs command numbers.
const (
	nrControl          = 0
	nrBulk             = 2
	nrClaimInterface   = 15
	nrReleaseInterface = 16
	nrIoctl            = 18
	nrClearHalt        = 21
	nrDisconnect       = 22
	nrDisconnectClaim  = 27
)

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// disconnectClaim matches struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	iface  uint32
	flags  uint32
	driver [256]byte
}

// ioctlRequest matches struct usbdevfs_ioctl.
type ioctlRequest struct {
	iface int32
	code  int32
	data  uintptr
}

var (
	ioctlControl          = iowr(usbdevfsType, nrControl, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk             = iowr(usbdevfsType, nrBulk, unsafe.Sizeof(bulkTransfer{}))
	ioctlClaimInterface   = ior(usbdevfsType, nrClaimInterface, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = ior(usbdevfsType, nrReleaseInterface, unsafe.Sizeof(uint32(0)))
	ioctlIoctl            = iowr(usbdevfsType, nrIoctl, unsafe.Sizeof(ioctlRequest{}))
	ioctlClearHalt        = ior(usbdevfsType, nrClearHalt, unsafe.Sizeof(uint32(0)))
	ioctlDisconnect       = iocNoData(usbdevfsType, nrDisconnect)
	ioctlDisconnectClaim  = ior(usbdevfsType, nrDisconnectClaim, unsafe.Sizeof(disconnectClaim{}))
)
