// Package ptp implements Picture Transfer Protocol transactions over a USB
// bulk endpoint pair.
//
// # Layers
//
//   - [Port] moves framed containers. [USBPort] implements it over a
//     [github.com/ardnew/ptpusb/host.Channel].
//   - [Engine] numbers transactions, writes commands and pumps each data
//     phase into a [Decoder] chunk by chunk.
//   - [HandleListDecoder] and [ByteStreamDecoder] fold those chunks into a
//     handle list or an output stream.
//   - [Conn] sets up the connection and exposes OpenSession,
//     GetObjectHandles and GetObject. [DownloadAll] runs the whole batch.
//
// Only one transaction is in flight per connection. Commands are never
// retried; bulk IN reads retry inside the channel.
//
// # Wire Format
//
// Every container starts with a 12-byte little-endian header: total length
// (uint32), type (uint16), code (uint16) and transaction id (uint32).
// Commands and responses carry up to five uint32 parameters after it; data
// containers carry the payload. The GetObjectHandles payload is a uint32
// element count followed by that many uint32 handles.
//
// # Example
//
//	conn, err := ptp.Setup(ctx, dev, desc)
//	if err != nil {
//	    return err
//	}
//	report, err := ptp.DownloadAll(ctx, conn, sinks, ptp.NopObserver{})
//	fmt.Println(report.Summary())
package ptp
