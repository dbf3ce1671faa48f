package ptp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/ptpusb/pkg"
)

type sentCommand struct {
	op     OperationCode
	tid    uint32
	params []uint32
}

// scriptPort returns scripted reads in order. When the script runs out it
// blocks until the context is done.
type scriptPort struct {
	mu      sync.Mutex
	reads   [][]byte
	sent    []sentCommand
	sendErr error
	readErr error
	packet  int
}

func (p *scriptPort) SendCommand(ctx context.Context, op OperationCode, tid uint32, params []uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentCommand{op, tid, append([]uint32(nil), params...)})
	return p.sendErr
}

func (p *scriptPort) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		defer p.mu.Unlock()
		return 0, p.readErr
	}
	if len(p.reads) == 0 {
		p.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	p.mu.Unlock()
	return copy(buf, r), nil
}

func (p *scriptPort) PacketSize() int { return p.packet }
func (p *scriptPort) Close() error    { return nil }

func dataContainer(op OperationCode, tid uint32, payload []byte) []byte {
	b := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:], uint32(HeaderSize+len(payload)))
	binary.LittleEndian.PutUint16(b[4:], uint16(ContainerData))
	binary.LittleEndian.PutUint16(b[6:], uint16(op))
	binary.LittleEndian.PutUint32(b[8:], tid)
	return append(b, payload...)
}

func responseContainer(rc ResponseCode, tid uint32, params ...uint32) []byte {
	c := Container{
		Length:        uint32(HeaderSize + 4*len(params)),
		Type:          ContainerResponse,
		Code:          uint16(rc),
		TransactionID: tid,
		Params:        params,
	}
	b := make([]byte, c.Size())
	c.MarshalTo(b)
	return b
}

func eventContainer(code uint16, tid uint32) []byte {
	b := make([]byte, HeaderSize+4)
	binary.LittleEndian.PutUint32(b[0:], uint32(len(b)))
	binary.LittleEndian.PutUint16(b[4:], uint16(ContainerEvent))
	binary.LittleEndian.PutUint16(b[6:], code)
	binary.LittleEndian.PutUint32(b[8:], tid)
	return b
}

func concat(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

// chunkRecorder copies each chunk's payload as it arrives.
type chunkRecorder struct {
	chunks []Chunk
	data   [][]byte
}

func (r *chunkRecorder) Decode(c Chunk) {
	r.chunks = append(r.chunks, c)
	r.data = append(r.data, append([]byte(nil), c.Bytes()...))
}

func (r *chunkRecorder) payload() string {
	var b []byte
	for _, d := range r.data {
		b = append(b, d...)
	}
	return string(b)
}

func TestEngineBufferSize(t *testing.T) {
	assert.Len(t, NewEngine(&scriptPort{packet: 512}).buf, 0x4000)
	assert.Len(t, NewEngine(&scriptPort{packet: 1000}).buf, 16000)
	assert.Len(t, NewEngine(&scriptPort{packet: 0x8000}).buf, 0x8000)
	assert.Len(t, NewEngine(&scriptPort{}).buf, 0x4000)
}

func TestEngineTransactionIDs(t *testing.T) {
	e := NewEngine(&scriptPort{packet: 64})
	for want := uint32(1); want <= 5; want++ {
		assert.Equal(t, want, e.NextTransactionID())
	}
}

func TestEngineTransactionIDsConcurrent(t *testing.T) {
	e := NewEngine(&scriptPort{packet: 64})

	var (
		mu   sync.Mutex
		seen = map[uint32]bool{}
		wg   sync.WaitGroup
	)
	for j := 0; j < 8; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				id := e.NextTransactionID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestEngineSendRequest(t *testing.T) {
	port := &scriptPort{packet: 64, reads: [][]byte{responseContainer(RCOK, 1)}}
	e := NewEngine(port)

	resp, err := e.SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, RCOK, resp.ResponseCode())
	require.Len(t, port.sent, 1)
	assert.Equal(t, sentCommand{OpOpenSession, 1, []uint32{1}}, port.sent[0])
}

func TestEngineSendRequestRejected(t *testing.T) {
	port := &scriptPort{packet: 64, reads: [][]byte{responseContainer(RCSessionAlreadyOpen, 4)}}
	e := NewEngine(port)

	resp, err := e.SendRequest(context.Background(), OpOpenSession, 4, []uint32{1}, time.Second)
	var request *pkg.RequestError
	require.ErrorAs(t, err, &request)
	assert.Equal(t, uint16(RCSessionAlreadyOpen), request.Code)
	assert.Equal(t, "OpenSession", request.Operation)
	assert.Equal(t, uint32(4), request.TransactionID)
	assert.Equal(t, "SessionAlreadyOpen", request.Reason)
	assert.Equal(t, RCSessionAlreadyOpen, resp.ResponseCode())
}

func TestEngineSendFailure(t *testing.T) {
	cause := &pkg.TransferError{Op: "bulk-out", Endpoint: 0x02, Err: pkg.ErrStall}
	e := NewEngine(&scriptPort{packet: 64, sendErr: cause})

	_, err := e.SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
	var request *pkg.RequestError
	require.ErrorAs(t, err, &request)
	assert.Zero(t, request.Code)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestEngineRequestDataChunks(t *testing.T) {
	first := dataContainer(OpGetObject, 3, []byte("ABCD"))
	port := &scriptPort{packet: 64, reads: [][]byte{
		first,
		[]byte("EFGH"),
		concat([]byte("IJ"), responseContainer(RCOK, 3)),
	}}
	e := NewEngine(port)
	rec := &chunkRecorder{}

	resp, err := e.RequestData(context.Background(), rec, OpGetObject, 3, []uint32{0x10001}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, RCOK, resp.ResponseCode())

	assert.Equal(t, "ABCDEFGHIJ", rec.payload())
	require.Len(t, rec.chunks, 3)
	for i, want := range []struct{ cum, off int64 }{{4, 0}, {8, 4}, {10, 8}} {
		c := rec.chunks[i]
		assert.Equal(t, uint32(3), c.TransactionID)
		assert.Equal(t, int64(10), c.TotalSize)
		assert.Equal(t, want.cum, c.Cumulative, "chunk %d", i)
		assert.Equal(t, want.off, c.PayloadOffset(), "chunk %d", i)
	}
	assert.Equal(t, HeaderSize, rec.chunks[0].Offset)
}

func TestEngineLeftoverBytes(t *testing.T) {
	data := dataContainer(OpGetObjectHandles, 1, le32(1, 9))
	resp := responseContainer(RCOK, 1)

	port := &scriptPort{packet: 64, reads: [][]byte{
		concat(data, resp[:6]),
		resp[6:],
	}}
	e := NewEngine(port)
	dec := NewHandleListDecoder()

	_, err := e.RequestData(context.Background(), dec, OpGetObjectHandles, 1, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []ObjectHandle{9}, dec.Handles())
}

func TestEngineSplitElementCount(t *testing.T) {
	data := dataContainer(OpGetObjectHandles, 1, le32(2, 5, 10))
	port := &scriptPort{packet: 64, reads: [][]byte{
		data[:14],
		concat(data[14:], responseContainer(RCOK, 1)),
	}}
	dec := NewHandleListDecoder()

	_, err := NewEngine(port).RequestData(context.Background(), dec, OpGetObjectHandles, 1, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []ObjectHandle{5, 10}, dec.Handles())
	assert.Equal(t, int64(2), dec.Count())
	assert.Empty(t, dec.Anomalies())
}

func TestEngineSplitHeader(t *testing.T) {
	data := dataContainer(OpGetObject, 2, []byte("hello"))
	port := &scriptPort{packet: 64, reads: [][]byte{
		data[:5],
		data[5:],
		responseContainer(RCOK, 2),
	}}
	e := NewEngine(port)
	rec := &chunkRecorder{}

	_, err := e.RequestData(context.Background(), rec, OpGetObject, 2, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.payload())
}

func TestEngineZeroLengthRead(t *testing.T) {
	port := &scriptPort{packet: 64, reads: [][]byte{
		dataContainer(OpGetObject, 1, []byte("abc")),
		{},
		responseContainer(RCOK, 1),
	}}
	rec := &chunkRecorder{}

	_, err := NewEngine(port).RequestData(context.Background(), rec, OpGetObject, 1, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.payload())
}

func TestEngineSkipsEvents(t *testing.T) {
	port := &scriptPort{packet: 64, reads: [][]byte{
		concat(eventContainer(0x4002, 0), responseContainer(RCOK, 5)),
	}}

	_, err := NewEngine(port).SendRequest(context.Background(), OpCloseSession, 5, nil, time.Second)
	assert.NoError(t, err)
}

func TestEngineSplitEvent(t *testing.T) {
	ev := eventContainer(0x4002, 0)
	port := &scriptPort{packet: 64, reads: [][]byte{
		ev[:14],
		concat(ev[14:], responseContainer(RCOK, 5)),
	}}

	_, err := NewEngine(port).SendRequest(context.Background(), OpCloseSession, 5, nil, time.Second)
	assert.NoError(t, err)
}

func TestEngineOversizedResponse(t *testing.T) {
	for _, typ := range []ContainerType{ContainerResponse, ContainerEvent} {
		hdr := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:], 0x100000)
		binary.LittleEndian.PutUint16(hdr[4:], uint16(typ))
		binary.LittleEndian.PutUint16(hdr[6:], uint16(RCOK))
		binary.LittleEndian.PutUint32(hdr[8:], 1)
		port := &scriptPort{packet: 64, reads: [][]byte{hdr}}

		start := time.Now()
		_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, nil, 5*time.Second)
		assert.ErrorIs(t, err, pkg.ErrProtocol, "%s", typ)
		assert.Less(t, time.Since(start), time.Second, "%s", typ)
	}
}

func TestEngineDiscardsUnexpectedData(t *testing.T) {
	port := &scriptPort{packet: 64, reads: [][]byte{
		concat(dataContainer(OpOpenSession, 1, []byte("xyz")), responseContainer(RCOK, 1)),
	}}

	_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
	assert.NoError(t, err)
}

func TestEngineTransactionMismatch(t *testing.T) {
	t.Run("response", func(t *testing.T) {
		port := &scriptPort{packet: 64, reads: [][]byte{responseContainer(RCOK, 7)}}
		_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
		assert.ErrorIs(t, err, pkg.ErrProtocol)
	})

	t.Run("data", func(t *testing.T) {
		port := &scriptPort{packet: 64, reads: [][]byte{dataContainer(OpGetObject, 7, []byte("x"))}}
		_, err := NewEngine(port).RequestData(context.Background(), &chunkRecorder{}, OpGetObject, 1, nil, time.Second)
		assert.ErrorIs(t, err, pkg.ErrProtocol)
	})
}

func TestEngineMalformedContainer(t *testing.T) {
	bad := responseContainer(RCOK, 1)
	binary.LittleEndian.PutUint32(bad, 4)
	port := &scriptPort{packet: 64, reads: [][]byte{bad}}

	_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, nil, time.Second)
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	port = &scriptPort{packet: 64, reads: [][]byte{concat(responseContainer(RCOK, 1)[:4], []byte{9, 0, 0, 0, 0, 0, 0, 0})}}
	_, err = NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, nil, time.Second)
	assert.ErrorIs(t, err, pkg.ErrProtocol, "unknown container type")
}

func TestEngineTimeout(t *testing.T) {
	port := &scriptPort{packet: 64}
	e := NewEngine(port)

	start := time.Now()
	_, err := e.RequestData(context.Background(), &chunkRecorder{}, OpGetObjectHandles, 6, nil, 20*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var timeout *pkg.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "GetObjectHandles", timeout.Operation)
	assert.Equal(t, uint32(6), timeout.TransactionID)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
}

func TestEngineParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(&scriptPort{packet: 64}).SendRequest(ctx, OpOpenSession, 1, nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	var timeout *pkg.TimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestEngineReadError(t *testing.T) {
	port := &scriptPort{packet: 64, readErr: io.ErrUnexpectedEOF}
	_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, nil, time.Second)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "OpenSession (transaction 1)")
}

// cancelPort records Cancel requests and answers status queries from a
// script, repeating the last code once it runs out.
type cancelPort struct {
	*scriptPort
	cancels  []uint32
	statuses []ResponseCode
	polls    int
}

func (p *cancelPort) CancelTransaction(ctx context.Context, tid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, tid)
	return nil
}

func (p *cancelPort) Status(ctx context.Context) (DeviceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	code := RCOK
	if len(p.statuses) > 0 {
		code = p.statuses[0]
		if len(p.statuses) > 1 {
			p.statuses = p.statuses[1:]
		}
	}
	return DeviceStatus{Code: code}, nil
}

func TestEngineCancelsAbandonedTransaction(t *testing.T) {
	port := &cancelPort{
		scriptPort: &scriptPort{packet: 64, reads: [][]byte{
			dataContainer(OpGetObject, 4, []byte("abcdefgh"))[:16],
		}},
		statuses: []ResponseCode{RCDeviceBusy, RCDeviceBusy, RCOK},
	}
	e := NewEngine(port)

	_, err := e.RequestData(context.Background(), &chunkRecorder{}, OpGetObject, 4, []uint32{9}, 20*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Equal(t, []uint32{4}, port.cancels)
	assert.Equal(t, 3, port.polls)

	port.mu.Lock()
	port.reads = [][]byte{responseContainer(RCOK, 5)}
	port.mu.Unlock()
	_, err = e.SendRequest(context.Background(), OpCloseSession, 5, nil, time.Second)
	assert.NoError(t, err)
}

func TestEngineCancelAfterParentCancelled(t *testing.T) {
	port := &cancelPort{scriptPort: &scriptPort{packet: 64}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := NewEngine(port).RequestData(ctx, &chunkRecorder{}, OpGetObject, 2, nil, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint32{2}, port.cancels)
	assert.Equal(t, 1, port.polls)
}

func TestEngineNoCancel(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		port := &cancelPort{scriptPort: &scriptPort{packet: 64, reads: [][]byte{responseContainer(RCGeneralError, 1)}}}
		_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
		require.Error(t, err)
		assert.Empty(t, port.cancels)
	})

	t.Run("device gone", func(t *testing.T) {
		port := &cancelPort{scriptPort: &scriptPort{packet: 64, readErr: pkg.ErrNoDevice}}
		_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
		require.ErrorIs(t, err, pkg.ErrNoDevice)
		assert.Empty(t, port.cancels)
	})

	t.Run("command not sent", func(t *testing.T) {
		port := &cancelPort{scriptPort: &scriptPort{packet: 64, sendErr: pkg.ErrStall}}
		_, err := NewEngine(port).SendRequest(context.Background(), OpOpenSession, 1, []uint32{1}, time.Second)
		require.ErrorIs(t, err, pkg.ErrStall)
		assert.Empty(t, port.cancels)
	})
}

func TestEngineRequestDataNilDecoder(t *testing.T) {
	_, err := NewEngine(&scriptPort{packet: 64}).RequestData(context.Background(), nil, OpGetObject, 1, nil, time.Second)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestEnginePendingReset(t *testing.T) {
	// A transaction that fails mid-header must not leak bytes into the next.
	port := &scriptPort{packet: 64, reads: [][]byte{responseContainer(RCOK, 1)[:6]}}
	e := NewEngine(port)

	_, err := e.SendRequest(context.Background(), OpOpenSession, 1, nil, 20*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTimeout)

	port.mu.Lock()
	port.reads = [][]byte{responseContainer(RCOK, 2)}
	port.mu.Unlock()
	_, err = e.SendRequest(context.Background(), OpCloseSession, 2, nil, time.Second)
	assert.NoError(t, err)
}
