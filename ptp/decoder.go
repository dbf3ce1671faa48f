package ptp

import (
	"encoding/binary"
	"io"

	"github.com/ardnew/ptpusb/pkg"
)

// Chunk is one piece of a data phase as it arrives from the device.
//
// The payload bytes are Data[Offset:Offset+Length]. Data may hold more than
// the payload, such as the container header of the first packet.
type Chunk struct {
	TransactionID uint32
	TotalSize     int64 // payload size announced by the data container
	Cumulative    int64 // payload bytes delivered so far, including this chunk
	Data          []byte
	Offset        int
	Length        int
}

// Bytes returns the payload bytes of the chunk, or nil if the chunk is empty
// or its bounds do not fit Data.
func (c Chunk) Bytes() []byte {
	if c.Data == nil || c.Length <= 0 || c.Offset < 0 || c.Offset+c.Length > len(c.Data) {
		return nil
	}
	return c.Data[c.Offset : c.Offset+c.Length]
}

// PayloadOffset returns the position of the chunk's first byte within the
// whole payload.
func (c Chunk) PayloadOffset() int64 {
	return c.Cumulative - int64(c.Length)
}

// Decoder consumes the chunks of one data phase in arrival order.
// Decoders never fail a transaction: malformed chunks are recorded and
// skipped.
type Decoder interface {
	Decode(c Chunk)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(c Chunk)

// Decode calls f(c).
func (f DecoderFunc) Decode(c Chunk) { f(c) }

// HandleListDecoder accumulates little-endian 32-bit object handles.
//
// In count-prefixed mode, used for GetObjectHandles, the first four payload
// bytes hold the number of elements that follow. The count is checked
// against the announced payload size and caps decoding. In raw mode every
// payload byte belongs to the array.
//
// Groups split across chunks are reassembled. A group still incomplete when
// the payload ends, or interrupted by a gap, is dropped as an anomaly.
type HandleListDecoder struct {
	countPrefixed bool

	count     int64 // declared element count, -1 until read
	handles   []ObjectHandle
	anomalies []pkg.DecodeAnomaly

	carry   []byte // leading bytes of a group split across chunks
	carryAt int64  // payload offset of carry[0]
}

// NewHandleListDecoder returns a count-prefixed handle decoder.
func NewHandleListDecoder() *HandleListDecoder {
	return &HandleListDecoder{countPrefixed: true, count: -1}
}

// NewRawHandleListDecoder returns a decoder that treats the whole payload as
// handles.
func NewRawHandleListDecoder() *HandleListDecoder {
	return &HandleListDecoder{count: -1}
}

// Decode appends every complete 4-byte group of the chunk, completing a group
// left over from the previous chunk first.
func (d *HandleListDecoder) Decode(c Chunk) {
	data := c.Bytes()
	if data == nil {
		return
	}
	pos := c.PayloadOffset()
	last := c.TotalSize <= 0 || c.Cumulative >= c.TotalSize

	if len(d.carry) > 0 && pos != d.carryAt+int64(len(d.carry)) {
		d.dropCarry(c)
	}

	for len(data) > 0 {
		var (
			group []byte
			at    = pos
		)
		if len(d.carry) > 0 || len(data) < 4 {
			if len(d.carry) == 0 {
				d.carryAt = pos
			}
			n := min(4-len(d.carry), len(data))
			d.carry = append(d.carry, data[:n]...)
			data, pos = data[n:], pos+int64(n)
			if len(d.carry) < 4 {
				break
			}
			group, at = d.carry, d.carryAt
			d.carry = d.carry[:0]
		} else {
			group = data[:4]
			data, pos = data[4:], pos+4
		}
		if !d.element(c, at, binary.LittleEndian.Uint32(group), len(data)) {
			return
		}
	}

	if last && len(d.carry) > 0 {
		d.dropCarry(c)
	}
}

// element consumes the group at payload offset at. rest is the number of
// chunk bytes after it; they are dropped along with the group when decoding
// stops.
func (d *HandleListDecoder) element(c Chunk, at int64, v uint32, rest int) bool {
	if d.countPrefixed && d.count < 0 {
		if at != 0 {
			d.anomaly(c, at, 4+rest, "missing element count")
			d.count = 0
			return false
		}
		d.count = int64(v)
		if c.TotalSize >= 4 && d.count*4 > c.TotalSize-4 {
			d.anomaly(c, 0, 4, "element count exceeds payload")
			d.count = (c.TotalSize - 4) / 4
		}
		return true
	}
	if d.countPrefixed && int64(len(d.handles)) >= d.count {
		d.anomaly(c, at, 4+rest, "bytes beyond declared element count")
		return false
	}
	d.handles = append(d.handles, ObjectHandle(v))
	return true
}

func (d *HandleListDecoder) dropCarry(c Chunk) {
	reason := "partial handle"
	if d.countPrefixed && d.count < 0 {
		reason = "missing element count"
		d.count = 0
	}
	d.anomaly(c, d.carryAt, len(d.carry), reason)
	d.carry = d.carry[:0]
}

func (d *HandleListDecoder) anomaly(c Chunk, pos int64, dropped int, reason string) {
	a := pkg.DecodeAnomaly{
		TransactionID: c.TransactionID,
		Offset:        pos,
		Dropped:       dropped,
		Reason:        reason,
	}
	d.anomalies = append(d.anomalies, a)
	pkg.LogDebug(pkg.ComponentDecoder, "handle list anomaly",
		"tid", a.TransactionID,
		"offset", a.Offset,
		"dropped", a.Dropped,
		"reason", a.Reason)
}

// Handles returns the decoded handles in device order.
func (d *HandleListDecoder) Handles() []ObjectHandle {
	return d.handles
}

// Count returns the declared element count, or -1 if none was read.
func (d *HandleListDecoder) Count() int64 {
	return d.count
}

// Anomalies returns the chunks that could not be decoded in full.
func (d *HandleListDecoder) Anomalies() []pkg.DecodeAnomaly {
	return d.anomalies
}

// ByteStreamDecoder writes payload bytes to a sink verbatim, in arrival order.
//
// Empty chunks are ignored. The first write error is kept and reported by
// Err; later chunks are discarded so the sink never receives a gap.
type ByteStreamDecoder struct {
	w       io.Writer
	written int64
	err     error
	empty   int
}

// NewByteStreamDecoder returns a decoder that writes to w.
func NewByteStreamDecoder(w io.Writer) *ByteStreamDecoder {
	return &ByteStreamDecoder{w: w}
}

// Decode writes the chunk's payload to the sink.
func (d *ByteStreamDecoder) Decode(c Chunk) {
	data := c.Bytes()
	if data == nil {
		d.empty++
		pkg.LogDebug(pkg.ComponentDecoder, "empty chunk", "tid", c.TransactionID, "length", c.Length)
		return
	}
	if d.err != nil {
		return
	}

	n, err := d.w.Write(data)
	d.written += int64(n)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		d.err = err
		pkg.LogWarn(pkg.ComponentDecoder, "sink write failed",
			"tid", c.TransactionID,
			"written", d.written,
			"error", err)
	}
}

// Written returns the number of bytes the sink accepted.
func (d *ByteStreamDecoder) Written() int64 {
	return d.written
}

// Err returns the first sink write error.
func (d *ByteStreamDecoder) Err() error {
	return d.err
}

// Empty returns the number of empty chunks seen.
func (d *ByteStreamDecoder) Empty() int {
	return d.empty
}
