package ptp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ardnew/ptpusb/host"
	"github.com/ardnew/ptpusb/pkg"
)

// readBufferSize is the target size of one bulk IN request. The Linux usb
// stack moves up to 16 KiB per call.
const readBufferSize = 0x4000

// Limits on the cancel sequence that follows an abandoned transaction.
const (
	cancelTimeout      = 2 * time.Second
	cancelPollInterval = 20 * time.Millisecond
)

// maxResponseSize bounds response and event containers, which carry no more
// than MaxParams parameters.
const maxResponseSize = HeaderSize + 4*MaxParams

// Engine runs PTP transactions over a Port, one at a time.
type Engine struct {
	port Port
	tid  atomic.Uint32

	mu      sync.Mutex
	buf     []byte
	pending []byte // bytes read past the end of the previous container
}

// NewEngine returns an engine over port. The read buffer is a multiple of
// the port's packet size.
func NewEngine(port Port) *Engine {
	size := port.PacketSize()
	if size <= 0 {
		size = host.DefaultMaxPacketSize
	}
	n := readBufferSize / size * size
	if n < size {
		n = size
	}
	return &Engine{port: port, buf: make([]byte, n)}
}

// Port returns the engine's transport.
func (e *Engine) Port() Port {
	return e.port
}

// NextTransactionID returns 1 on the first call and increases by one on each
// call after that.
func (e *Engine) NextTransactionID() uint32 {
	return e.tid.Inc()
}

// SendRequest runs an operation with no data phase and returns its response.
// A rejected command is reported as a *pkg.RequestError carrying the
// response code.
func (e *Engine) SendRequest(ctx context.Context, op OperationCode, tid uint32, params []uint32, timeout time.Duration) (Container, error) {
	return e.transact(ctx, nil, op, tid, params, timeout)
}

// RequestData runs an operation whose data phase flows from the device.
// Every payload chunk is handed to dec in arrival order before the response
// is read. If no response arrives within timeout the result is a
// *pkg.TimeoutError.
func (e *Engine) RequestData(ctx context.Context, dec Decoder, op OperationCode, tid uint32, params []uint32, timeout time.Duration) (Container, error) {
	if dec == nil {
		return Container{}, pkg.ErrInvalidParameter
	}
	return e.transact(ctx, dec, op, tid, params, timeout)
}

func (e *Engine) transact(parent context.Context, dec Decoder, op OperationCode, tid uint32, params []uint32, timeout time.Duration) (Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	pkg.LogDebug(pkg.ComponentEngine, "transaction start", "op", op, "tid", tid, "params", params)

	if err := e.port.SendCommand(ctx, op, tid, params); err != nil {
		if terr := e.timeout(parent, ctx, op, tid, timeout, err); terr != nil {
			return Container{}, terr
		}
		return Container{}, &pkg.RequestError{Operation: op.String(), TransactionID: tid, Err: err}
	}
	e.pending = e.pending[:0]

	resp, err := e.receive(ctx, dec, op, tid)
	if err != nil {
		e.abort(parent, op, tid, err)
		if terr := e.timeout(parent, ctx, op, tid, timeout, err); terr != nil {
			return Container{}, terr
		}
		return Container{}, err
	}

	pkg.LogDebug(pkg.ComponentEngine, "transaction done",
		"op", op,
		"tid", tid,
		"response", resp.ResponseCode(),
		"elapsed", time.Since(start))

	if rc := resp.ResponseCode(); rc != RCOK {
		return resp, &pkg.RequestError{
			Operation:     op.String(),
			TransactionID: tid,
			Code:          uint16(rc),
			Reason:        rc.String(),
		}
	}
	return resp, nil
}

// abort asks the device to drop the rest of a transaction that ended before
// its response, then waits for it to report idle. Some devices otherwise send
// the stale data phase ahead of the next response.
func (e *Engine) abort(parent context.Context, op OperationCode, tid uint32, cause error) {
	e.pending = e.pending[:0]
	c, ok := e.port.(Canceler)
	if !ok || errors.Is(cause, pkg.ErrNoDevice) || errors.Is(cause, pkg.ErrClosed) {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cancelTimeout)
	defer cancel()

	if err := c.CancelTransaction(ctx, tid); err != nil {
		pkg.LogWarn(pkg.ComponentEngine, "cancel failed", "op", op, "tid", tid, "error", err)
		return
	}
	for attempt := 1; ; attempt++ {
		st, err := c.Status(ctx)
		if err != nil {
			pkg.LogWarn(pkg.ComponentEngine, "status after cancel", "op", op, "tid", tid, "error", err)
			return
		}
		if st.Code != RCDeviceBusy {
			pkg.LogDebug(pkg.ComponentEngine, "transaction cancelled",
				"op", op,
				"tid", tid,
				"status", st.Code,
				"polls", attempt)
			return
		}
		select {
		case <-ctx.Done():
			pkg.LogWarn(pkg.ComponentEngine, "device still busy after cancel", "op", op, "tid", tid)
			return
		case <-time.After(cancelPollInterval):
		}
	}
}

// timeout converts err into a *pkg.TimeoutError when the transaction's own
// deadline expired. It returns nil for any other failure.
func (e *Engine) timeout(parent, ctx context.Context, op OperationCode, tid uint32, d time.Duration, err error) error {
	if parent.Err() != nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	pkg.LogWarn(pkg.ComponentEngine, "transaction timed out", "op", op, "tid", tid, "timeout", d)
	return &pkg.TimeoutError{Operation: op.String(), TransactionID: tid, Timeout: d, Err: err}
}

// receive reads until the response container for tid arrives, feeding any
// data phase to dec.
func (e *Engine) receive(ctx context.Context, dec Decoder, op OperationCode, tid uint32) (Container, error) {
	var (
		hdr        Container
		total      int64
		cumulative int64
		remaining  int64 // payload bytes still owed by the current data container
	)

	for {
		data, err := e.fill(ctx)
		if err != nil {
			return Container{}, fmt.Errorf("%s (transaction %d): %w", op, tid, err)
		}
		offset := 0

		for offset < len(data) {
			if remaining > 0 {
				take := len(data) - offset
				if int64(take) > remaining {
					take = int(remaining)
				}
				cumulative += int64(take)
				remaining -= int64(take)
				e.deliver(dec, Chunk{
					TransactionID: tid,
					TotalSize:     total,
					Cumulative:    cumulative,
					Data:          data,
					Offset:        offset,
					Length:        take,
				})
				offset += take
				continue
			}

			if !ParseHeader(data[offset:], &hdr) {
				if len(data)-offset < HeaderSize {
					e.keep(data[offset:])
					break
				}
				return Container{}, fmt.Errorf("%s (transaction %d): container length %d: %w", op, tid, hdr.Length, pkg.ErrProtocol)
			}

			switch hdr.Type {
			case ContainerData:
				if hdr.TransactionID != tid {
					return Container{}, fmt.Errorf("%s: data for transaction %d, want %d: %w", op, hdr.TransactionID, tid, pkg.ErrProtocol)
				}
				total = int64(hdr.Length) - HeaderSize
				remaining = total
				cumulative = 0
				offset += HeaderSize
				if dec == nil && total > 0 {
					pkg.LogDebug(pkg.ComponentEngine, "discarding unexpected data phase", "op", op, "tid", tid, "size", total)
				}

			case ContainerResponse:
				if hdr.Length > maxResponseSize {
					return Container{}, fmt.Errorf("%s (transaction %d): response length %d: %w", op, tid, hdr.Length, pkg.ErrProtocol)
				}
				if len(data)-offset < int(hdr.Length) {
					e.keep(data[offset:])
					offset = len(data)
					continue
				}
				var resp Container
				if err := ParseResponse(data[offset:offset+int(hdr.Length)], &resp); err != nil {
					return Container{}, fmt.Errorf("%s (transaction %d): %w", op, tid, err)
				}
				if resp.TransactionID != tid {
					return Container{}, fmt.Errorf("%s: response for transaction %d, want %d: %w", op, resp.TransactionID, tid, pkg.ErrProtocol)
				}
				if remaining > 0 {
					pkg.LogWarn(pkg.ComponentEngine, "response before end of data phase", "op", op, "tid", tid, "missing", remaining)
				}
				return resp, nil

			case ContainerEvent:
				// Events belong on the interrupt endpoint; skip any that
				// arrive in-band.
				if hdr.Length > maxResponseSize {
					return Container{}, fmt.Errorf("%s (transaction %d): event length %d: %w", op, tid, hdr.Length, pkg.ErrProtocol)
				}
				if len(data)-offset < int(hdr.Length) {
					e.keep(data[offset:])
					offset = len(data)
					continue
				}
				pkg.LogDebug(pkg.ComponentEngine, "skipping in-band event", "code", fmt.Sprintf("0x%04x", hdr.Code))
				offset += int(hdr.Length)

			default:
				return Container{}, fmt.Errorf("%s (transaction %d): unexpected %s container: %w", op, tid, hdr.Type, pkg.ErrProtocol)
			}
		}
	}
}

// fill returns the next bytes to parse: any bytes kept from the previous
// read followed by a new transfer.
func (e *Engine) fill(ctx context.Context) ([]byte, error) {
	n, err := e.port.ReadPacket(ctx, e.buf)
	if err != nil {
		return nil, err
	}
	if len(e.pending) == 0 {
		return e.buf[:n], nil
	}
	data := append(e.pending, e.buf[:n]...)
	e.pending = nil
	return data, nil
}

func (e *Engine) keep(b []byte) {
	e.pending = append(e.pending[:0:0], b...)
}

func (e *Engine) deliver(dec Decoder, c Chunk) {
	if dec == nil {
		return
	}
	dec.Decode(c)
}
