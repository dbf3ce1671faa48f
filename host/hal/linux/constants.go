package linux

// System paths.
const (
	// SysfsUSBPath is the base path for USB devices in sysfs.
	SysfsUSBPath = "/sys/bus/usb/devices"

	// DevfsUSBPath is the base path for USB device nodes.
	DevfsUSBPath = "/dev/bus/usb"
)

// MaxControlTransferSize is the largest control data stage usbfs accepts
// without raising usbfs_memory_mb.
const MaxControlTransferSize = 4096

// disconnectClaim flags.
const (
	disconnectClaimIfDriver     = 0x01
	disconnectClaimExceptDriver = 0x02
)
