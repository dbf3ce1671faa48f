package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// EndpointPair identifies the bulk endpoints of a claimed interface.
// It is selected once at setup and never changes.
type EndpointPair struct {
	In               uint8 // bulk IN address (0x80 bit set)
	Out              uint8 // bulk OUT address
	Event            uint8 // interrupt IN address, zero if absent
	MaxPacketSizeIn  uint32
	MaxPacketSizeOut uint32
}

// SelectEndpoints picks the first bulk IN and bulk OUT endpoints of iface.
// It returns pkg.ErrNoEndpoint if either is missing.
func SelectEndpoints(iface *hal.InterfaceDescriptor) (EndpointPair, error) {
	in := iface.FindEndpoint(hal.TransferBulk, true)
	out := iface.FindEndpoint(hal.TransferBulk, false)
	if in == nil || out == nil {
		return EndpointPair{}, fmt.Errorf("interface %d: %w", iface.Number, pkg.ErrNoEndpoint)
	}

	eps := EndpointPair{
		In:               in.Address,
		Out:              out.Address,
		MaxPacketSizeIn:  uint32(in.MaxPacketSize),
		MaxPacketSizeOut: uint32(out.MaxPacketSize),
	}
	if ev := iface.FindEndpoint(hal.TransferInterrupt, true); ev != nil {
		eps.Event = ev.Address
	}
	return eps, nil
}

// Stats counts channel activity.
type Stats struct {
	Reads      uint64 // completed ReadBulk calls
	Retries    uint64 // bulk IN attempts beyond the first
	Writes     uint64 // completed WriteBulk calls
	HaltClears uint64 // CLEAR_FEATURE(ENDPOINT_HALT) requests issued
}

// Option configures a Channel.
type Option func(*Channel)

// WithRetryPolicy sets the bulk IN retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Channel) { c.policy = p }
}

// WithTimeouts sets the transfer limits. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(c *Channel) { c.timeouts = t.withDefaults() }
}

// WithClock sets the clock used for retry sleeps.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithForceClaim detaches any OS driver bound to the interface on Initialize.
func WithForceClaim(force bool) Option {
	return func(c *Channel) { c.force = force }
}

// Channel owns one claimed interface of a device and performs bulk and
// control transfers on it.
//
// Bulk IN, bulk OUT and control operations are each serialized by their own
// lock; operations in different directions may overlap.
type Channel struct {
	dev   hal.Device
	iface uint8
	eps   EndpointPair

	policy   RetryPolicy
	timeouts Timeouts
	clock    clock.Clock
	force    bool

	inMu   sync.Mutex
	outMu  sync.Mutex
	ctrlMu sync.Mutex

	stateMu  sync.Mutex
	claimed  bool
	released bool

	reads   atomic.Uint64
	retries atomic.Uint64
	writes  atomic.Uint64
	clears  atomic.Uint64
}

// NewChannel creates a channel over dev for the given interface and endpoints.
// The interface is not claimed until Initialize.
func NewChannel(dev hal.Device, iface uint8, eps EndpointPair, opts ...Option) *Channel {
	c := &Channel{
		dev:      dev,
		iface:    iface,
		eps:      eps,
		policy:   DefaultRetryPolicy(),
		timeouts: DefaultTimeouts(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	return c
}

// Interface returns the interface number the channel claims.
func (c *Channel) Interface() uint8 {
	return c.iface
}

// Endpoints returns the endpoint pair.
func (c *Channel) Endpoints() EndpointPair {
	return c.eps
}

// Initialize claims the interface. It is an error to initialize a released
// channel; initializing twice is a no-op.
func (c *Channel) Initialize(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.released {
		return pkg.ErrClosed
	}
	if c.claimed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.dev.ClaimInterface(c.iface, c.force); err != nil {
		pkg.LogError(pkg.ComponentChannel, "claim failed",
			"interface", c.iface,
			"force", c.force,
			"error", err)
		return &pkg.ClaimError{Interface: c.iface, Err: err}
	}

	c.claimed = true
	pkg.LogDebug(pkg.ComponentChannel, "interface claimed",
		"interface", c.iface,
		"in", fmt.Sprintf("0x%02x", c.eps.In),
		"out", fmt.Sprintf("0x%02x", c.eps.Out))
	return nil
}

// Release releases the interface. It is safe to call before Initialize and
// more than once; only the first call after a successful claim touches the
// device.
func (c *Channel) Release() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.released {
		return nil
	}
	c.released = true

	if !c.claimed {
		return nil
	}
	c.claimed = false

	if err := c.dev.ReleaseInterface(c.iface); err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "release failed", "interface", c.iface, "error", err)
		return fmt.Errorf("release interface %d: %w", c.iface, err)
	}
	pkg.LogDebug(pkg.ComponentChannel, "interface released", "interface", c.iface)
	return nil
}

func (c *Channel) isReleased() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.released
}

// WriteBulk sends buf[:length] to the bulk OUT endpoint in a single attempt.
// A short write is reported as a failure.
func (c *Channel) WriteBulk(ctx context.Context, buf []byte, length int) (int, error) {
	if length < 0 || length > len(buf) {
		return 0, pkg.ErrInvalidParameter
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.isReleased() {
		return 0, pkg.ErrClosed
	}

	wctx, cancel := context.WithTimeout(ctx, c.timeouts.Write)
	defer cancel()

	n, err := c.dev.BulkTransfer(wctx, c.eps.Out, buf[:length])
	if err == nil && n != length {
		err = io.ErrShortWrite
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "bulk write failed",
			"endpoint", fmt.Sprintf("0x%02x", c.eps.Out),
			"length", length,
			"n", n,
			"error", err)
		return n, &pkg.TransferError{Op: "bulk-out", Endpoint: c.eps.Out, N: n, Err: err}
	}

	c.writes.Inc()
	return n, nil
}

// ReadBulk reads from the bulk IN endpoint into buf.
//
// An attempt fails when the transfer returns an error or no data. Failed
// attempts are retried under the channel's RetryPolicy, sleeping k*Step after
// attempt k; a stalled endpoint has its halt cleared before the next attempt.
// When every attempt fails ReadBulk returns a *pkg.ReadExhaustedError
// describing the last one. Sleeps end early if ctx is done.
func (c *Channel) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, pkg.ErrBufferTooSmall
	}

	c.inMu.Lock()
	defer c.inMu.Unlock()

	if c.isReleased() {
		return 0, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		attempts int
		n        int
		lastErr  error
	)

	operation := func() error {
		attempts++
		if attempts > 1 {
			c.retries.Inc()
		}

		rctx, cancel := context.WithTimeout(ctx, c.timeouts.Read)
		got, err := c.dev.BulkTransfer(rctx, c.eps.In, buf)
		cancel()

		n = got
		switch {
		case err != nil:
			lastErr = err
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, pkg.ErrStall) {
				c.clearHalt(ctx, c.eps.In)
			}
			return err
		case got <= 0:
			lastErr = pkg.ErrZeroLength
			return lastErr
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		pkg.LogDebug(pkg.ComponentChannel, "bulk read retry",
			"endpoint", fmt.Sprintf("0x%02x", c.eps.In),
			"attempt", attempts,
			"n", n,
			"error", err,
			"sleep", next)
	}

	b := backoff.WithContext(c.policy.BackOff(), ctx)
	err := backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: c.clock})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("read endpoint 0x%02x: %w", c.eps.In, ctxErr)
		}
		pkg.LogWarn(pkg.ComponentChannel, "bulk read exhausted",
			"endpoint", fmt.Sprintf("0x%02x", c.eps.In),
			"attempts", attempts,
			"error", lastErr)
		return 0, &pkg.ReadExhaustedError{
			Endpoint: c.eps.In,
			Attempts: attempts,
			LastN:    n,
			Err:      lastErr,
		}
	}

	c.reads.Inc()
	return n, nil
}

// clearHalt issues CLEAR_FEATURE(ENDPOINT_HALT). Failures are logged only;
// the next attempt reports the endpoint's state.
func (c *Channel) clearHalt(ctx context.Context, endpoint uint8) {
	c.clears.Inc()
	_, err := c.ControlTransfer(ctx,
		hal.RequestTypeOut|hal.RequestTypeStandard|hal.RequestTypeEndpoint,
		hal.RequestClearFeature,
		hal.FeatureEndpointHalt,
		uint16(endpoint),
		nil)
	if err != nil {
		pkg.LogWarn(pkg.ComponentChannel, "clear halt failed",
			"endpoint", fmt.Sprintf("0x%02x", endpoint),
			"error", err)
		return
	}
	pkg.LogDebug(pkg.ComponentChannel, "cleared halt", "endpoint", fmt.Sprintf("0x%02x", endpoint))
}

// ControlTransfer performs one control transfer on the default pipe. The
// direction follows the high bit of requestType.
func (c *Channel) ControlTransfer(ctx context.Context, requestType, request uint8, value, index uint16, buf []byte) (int, error) {
	if len(buf) > 0xFFFF {
		return 0, pkg.ErrInvalidParameter
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if c.isReleased() {
		return 0, pkg.ErrClosed
	}

	setup := hal.SetupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(buf)),
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeouts.Control)
	defer cancel()

	n, err := c.dev.ControlTransfer(cctx, &setup, buf)
	if err != nil {
		return n, &pkg.TransferError{Op: "control", Endpoint: 0, N: n, Err: err}
	}
	return n, nil
}

// ReadEvent reads the interrupt IN endpoint. It returns pkg.ErrNotSupported
// when the interface has no event endpoint or the device cannot perform
// interrupt transfers.
func (c *Channel) ReadEvent(ctx context.Context, buf []byte) (int, error) {
	it, ok := c.dev.(hal.InterruptTransferer)
	if !ok || c.eps.Event == 0 {
		return 0, pkg.ErrNotSupported
	}
	if c.isReleased() {
		return 0, pkg.ErrClosed
	}

	c.inMu.Lock()
	timeout := c.timeouts.Read
	c.inMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := it.InterruptTransfer(rctx, c.eps.Event, buf)
	if err != nil {
		return n, &pkg.TransferError{Op: "interrupt-in", Endpoint: c.eps.Event, N: n, Err: err}
	}
	return n, nil
}

// SetTimeout changes the per-attempt bulk IN limit.
func (c *Channel) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return pkg.ErrInvalidParameter
	}
	c.inMu.Lock()
	c.timeouts.Read = d
	c.inMu.Unlock()
	return nil
}

// MaxPacketSizeIn returns the bulk IN packet size, or DefaultMaxPacketSize
// if discovery left it unset.
func (c *Channel) MaxPacketSizeIn() int {
	if c.eps.MaxPacketSizeIn == 0 {
		return DefaultMaxPacketSize
	}
	return int(c.eps.MaxPacketSizeIn)
}

// MaxPacketSizeOut returns the bulk OUT packet size, or DefaultMaxPacketSize
// if discovery left it unset.
func (c *Channel) MaxPacketSizeOut() int {
	if c.eps.MaxPacketSizeOut == 0 {
		return DefaultMaxPacketSize
	}
	return int(c.eps.MaxPacketSizeOut)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Reads:      c.reads.Load(),
		Retries:    c.retries.Load(),
		Writes:     c.writes.Load(),
		HaltClears: c.clears.Load(),
	}
}
