// Package host implements the endpoint channel of the PTP transport.
//
// A [Channel] owns one claimed interface of a [hal.Device] and the bulk
// endpoint pair selected on it. It performs four kinds of transfer:
//
//   - WriteBulk: a single bulk OUT attempt under the write timeout
//   - ReadBulk: bulk IN with retry and linear backoff
//   - ControlTransfer: a single attempt on the default pipe
//   - ReadEvent: interrupt IN, when the backend supports it
//
// # Read Retries
//
// Bulk IN is the only operation that retries. An attempt that returns an
// error or zero bytes is retried after sleeping attempt*Step, so the default
// [RetryPolicy] of five attempts sleeps 1s, 2s, 3s and 4s before giving up
// with a [pkg.ReadExhaustedError]. A zero-length read is treated like any
// other failed attempt; a device that ends a data phase exactly on a packet
// boundary therefore costs one short sleep.
//
// The schedule is a [LinearBackOff] driven by
// [github.com/cenkalti/backoff/v4]; sleeps come from the channel's
// [github.com/benbjohnson/clock] so tests can advance time explicitly.
//
// # Serialization
//
// Bulk IN, bulk OUT and control operations each hold their own lock, so no
// two operations in the same direction overlap. The PTP engine above the
// channel serializes whole transactions.
//
// # Example
//
//	iface := desc.FindInterface(hal.ClassStillImage)
//	eps, err := host.SelectEndpoints(iface)
//	if err != nil {
//	    return err
//	}
//	ch := host.NewChannel(dev, iface.Number, eps, host.WithForceClaim(true))
//	if err := ch.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer ch.Release()
package host
