package pkg

import (
	"errors"
	"fmt"
	"time"
)

// USB and transport errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer or transaction timeout.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an optional capability the backend lacks.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrClosed indicates use of a released channel or closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNotConnected indicates use of a connection that was never set up.
	ErrNotConnected = errors.New("not connected")

	// ErrNoInterface indicates the device exposes no still-image interface.
	ErrNoInterface = errors.New("no PTP interface found")

	// ErrNoEndpoint indicates the PTP interface lacks a bulk IN or OUT endpoint.
	ErrNoEndpoint = errors.New("missing bulk endpoint")

	// ErrZeroLength indicates a transfer completed with no data.
	ErrZeroLength = errors.New("zero-length transfer")
)

// ClaimError reports that an interface could not be claimed.
// It is fatal to connection setup and never retried.
type ClaimError struct {
	Interface uint8
	Err       error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim interface %d: %v", e.Interface, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// TransferError reports a single failed bulk or control transfer attempt.
type TransferError struct {
	Op       string // "bulk-out", "bulk-in", "control"
	Endpoint uint8
	N        int // byte count reported by the attempt
	Err      error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s transfer on endpoint 0x%02x failed (%d bytes)", e.Op, e.Endpoint, e.N)
	}
	return fmt.Sprintf("%s transfer on endpoint 0x%02x failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ReadExhaustedError reports that every attempt of a bulk read failed.
// LastN and Err describe the final attempt.
type ReadExhaustedError struct {
	Endpoint uint8
	Attempts int
	LastN    int
	Err      error
}

func (e *ReadExhaustedError) Error() string {
	return fmt.Sprintf("read from endpoint 0x%02x failed after %d attempts (last result %d bytes): %v",
		e.Endpoint, e.Attempts, e.LastN, e.Err)
}

func (e *ReadExhaustedError) Unwrap() error { return e.Err }

// TimeoutError reports that a transaction did not reach its response phase
// within its timeout. Callers may re-issue the operation.
type TimeoutError struct {
	Operation     string
	TransactionID uint32
	Timeout       time.Duration
	Err           error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (transaction %d) timed out after %s", e.Operation, e.TransactionID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is reports ErrTimeout as a match so callers need not know the concrete type.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RequestError reports a command the device rejected or that could not be sent.
// Code is the PTP response code, zero when the command never reached the device.
type RequestError struct {
	Operation     string
	TransactionID uint32
	Code          uint16
	Reason        string
	Err           error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s (transaction %d): %v", e.Operation, e.TransactionID, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (transaction %d): device returned %s (0x%04x)", e.Operation, e.TransactionID, e.Reason, e.Code)
	default:
		return fmt.Sprintf("%s (transaction %d): device returned 0x%04x", e.Operation, e.TransactionID, e.Code)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeAnomaly describes a chunk that could not be decoded in full.
// Decoders record anomalies and continue; they are never returned as
// transaction failures.
type DecodeAnomaly struct {
	TransactionID uint32
	Offset        int64 // payload offset of the affected bytes
	Dropped       int   // bytes that contributed nothing
	Reason        string
}

func (a DecodeAnomaly) Error() string {
	return fmt.Sprintf("transaction %d: %s (%d bytes dropped at payload offset %d)",
		a.TransactionID, a.Reason, a.Dropped, a.Offset)
}

// Describe maps an error to a short human-readable status string.
func Describe(err error) string {
	if err == nil {
		return "ok"
	}

	var (
		claim     *ClaimError
		exhausted *ReadExhaustedError
		transfer  *TransferError
		timeout   *TimeoutError
		request   *RequestError
	)

	switch {
	case errors.As(err, &claim):
		return fmt.Sprintf("Camera interface is in use by another driver: %v", claim.Err)
	case errors.As(err, &timeout):
		return fmt.Sprintf("Camera did not answer %s in time", timeout.Operation)
	case errors.As(err, &exhausted):
		return fmt.Sprintf("Camera stopped sending data after %d attempts", exhausted.Attempts)
	case errors.As(err, &request):
		if request.Reason != "" {
			return fmt.Sprintf("Camera rejected %s: %s", request.Operation, request.Reason)
		}
		return fmt.Sprintf("Camera rejected %s", request.Operation)
	case errors.As(err, &transfer):
		return "USB transfer failed"
	case errors.Is(err, ErrNoInterface), errors.Is(err, ErrNoEndpoint):
		return "Device is not a PTP camera"
	case errors.Is(err, ErrNoDevice):
		return "Camera disconnected"
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return "No camera connected"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
