package ptp

import "fmt"

// OperationCode identifies a PTP operation.
type OperationCode uint16

// Operation codes used by this package.
const (
	OpOpenSession      OperationCode = 0x1002
	OpCloseSession     OperationCode = 0x1003
	OpGetObjectHandles OperationCode = 0x1007
	OpGetObjectInfo    OperationCode = 0x1008
	OpGetObject        OperationCode = 0x1009
)

var operationNames = map[OperationCode]string{
	OpOpenSession:      "OpenSession",
	OpCloseSession:     "CloseSession",
	OpGetObjectHandles: "GetObjectHandles",
	OpGetObjectInfo:    "GetObjectInfo",
	OpGetObject:        "GetObject",
}

func (c OperationCode) String() string {
	if name, ok := operationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Operation(0x%04x)", uint16(c))
}

// ResponseCode is the code carried by a response container.
type ResponseCode uint16

// Response codes.
const (
	RCOK                      ResponseCode = 0x2001
	RCGeneralError            ResponseCode = 0x2002
	RCSessionNotOpen          ResponseCode = 0x2003
	RCInvalidTransactionID    ResponseCode = 0x2004
	RCOperationNotSupported   ResponseCode = 0x2005
	RCParameterNotSupported   ResponseCode = 0x2006
	RCIncompleteTransfer      ResponseCode = 0x2007
	RCInvalidStorageID        ResponseCode = 0x2008
	RCInvalidObjectHandle     ResponseCode = 0x2009
	RCStoreNotAvailable       ResponseCode = 0x2013
	RCSpecificationByFormatNS ResponseCode = 0x2014
	RCDeviceBusy              ResponseCode = 0x2019
	RCInvalidParentObject     ResponseCode = 0x201A
	RCInvalidParameter        ResponseCode = 0x201D
	RCSessionAlreadyOpen      ResponseCode = 0x201E
	RCTransactionCancelled    ResponseCode = 0x201F
)

var responseNames = map[ResponseCode]string{
	RCOK:                      "OK",
	RCGeneralError:            "GeneralError",
	RCSessionNotOpen:          "SessionNotOpen",
	RCInvalidTransactionID:    "InvalidTransactionID",
	RCOperationNotSupported:   "OperationNotSupported",
	RCParameterNotSupported:   "ParameterNotSupported",
	RCIncompleteTransfer:      "IncompleteTransfer",
	RCInvalidStorageID:        "InvalidStorageID",
	RCInvalidObjectHandle:     "InvalidObjectHandle",
	RCStoreNotAvailable:       "StoreNotAvailable",
	RCDeviceBusy:              "DeviceBusy",
	RCInvalidParentObject:     "InvalidParentObject",
	RCInvalidParameter:        "InvalidParameter",
	RCSessionAlreadyOpen:      "SessionAlreadyOpen",
	RCTransactionCancelled:    "TransactionCancelled",
	RCSpecificationByFormatNS: "SpecificationByFormatUnsupported",
}

func (c ResponseCode) String() string {
	if name, ok := responseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Response(0x%04x)", uint16(c))
}

// ContainerType is the type field of a USB container.
type ContainerType uint16

// Container types.
const (
	ContainerUndefined ContainerType = 0
	ContainerCommand   ContainerType = 1
	ContainerData      ContainerType = 2
	ContainerResponse  ContainerType = 3
	ContainerEvent     ContainerType = 4
)

func (t ContainerType) String() string {
	switch t {
	case ContainerCommand:
		return "command"
	case ContainerData:
		return "data"
	case ContainerResponse:
		return "response"
	case ContainerEvent:
		return "event"
	default:
		return fmt.Sprintf("container(%d)", uint16(t))
	}
}

// Still-image class requests on the control pipe.
const (
	RequestCancel          = 0x64
	RequestGetEventData    = 0x65
	RequestDeviceReset     = 0x66
	RequestGetDeviceStatus = 0x67
)

// ObjectHandle identifies an object stored on the device. Handles are only
// meaningful within the session that reported them.
type ObjectHandle uint32

// Wildcard parameters for GetObjectHandles.
const (
	AllStorage uint32 = 0xFFFFFFFF // every storage
	AnyFormat  uint32 = 0x00000000 // every format
	AnyParent  uint32 = 0xFFFFFFFF // no parent filter
)

// DefaultSessionID is the session opened by DownloadAll.
const DefaultSessionID = 1
