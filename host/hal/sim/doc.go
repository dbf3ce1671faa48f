// Package sim provides an in-memory PTP camera that implements [hal.Device].
//
// A [Camera] answers OpenSession, CloseSession, GetObjectHandles and
// GetObject from a fixed set of objects and the still-image class requests
// on the control pipe. It frames its replies the way a real camera does: each
// data phase and each response is one bulk IN transfer, and a transfer that
// ends on a packet boundary is followed by a zero-length packet unless
// [Faults.OmitZLP] is set.
//
// # Fault Injection
//
// [Faults] scripts the failures the transport must survive: rejected
// operations, stalled or broken reads, failing command writes, silent
// operations that never answer, zero-length reads, a bad element count and
// a busy interface.
//
// # Usage
//
//	cam := sim.NewCamera(sim.Object{Handle: 1, Data: jpeg})
//	conn, err := ptp.Setup(ctx, cam, cam.Descriptor())
//
// [Backend] exposes cameras through [hal.Backend] so tools can run without
// hardware.
package sim
