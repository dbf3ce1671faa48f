package ptp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ardnew/ptpusb/host"
	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// State is the connection state reported to an Observer.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Progress reports the bytes received for one object.
type Progress struct {
	Handle ObjectHandle
	Index  int   // position in the batch, zero-based
	Count  int   // objects in the batch
	Bytes  int64 // payload bytes received so far
	Total  int64 // payload size announced by the device
}

// Observer receives connection and download events. Calls are made from the
// goroutine driving the connection.
//
// A transport failure reports StateError. The next transaction that completes
// reports StateConnected again.
type Observer interface {
	OnState(s State, err error)
	OnProgress(p Progress)
	OnOutcome(o Outcome)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnState(State, error) {}
func (NopObserver) OnProgress(Progress)  {}
func (NopObserver) OnOutcome(Outcome)    {}

// ConnOption configures Setup.
type ConnOption func(*connOptions)

type connOptions struct {
	cfg   Config
	obs   Observer
	clock clock.Clock
}

// WithConfig sets the connection settings.
func WithConfig(cfg Config) ConnOption {
	return func(o *connOptions) { o.cfg = cfg }
}

// WithObserver sets the observer notified of state changes.
func WithObserver(obs Observer) ConnOption {
	return func(o *connOptions) { o.obs = obs }
}

// WithClock sets the clock used for read retry sleeps.
func WithClock(clk clock.Clock) ConnOption {
	return func(o *connOptions) { o.clock = clk }
}

// Conn is an open PTP connection to one device.
type Conn struct {
	dev    hal.Device
	desc   hal.Descriptor
	cfg    Config
	obs    Observer
	ch     *host.Channel
	port   *USBPort
	engine *Engine

	mu       sync.Mutex
	state    State
	closed   bool
	closeErr error
}

// Setup claims the still-image interface of dev and returns a ready
// connection. desc must describe dev's active configuration.
//
// On failure nothing is left claimed; dev stays open and belongs to the
// caller. On success the Conn owns dev and closes it in Close.
func Setup(ctx context.Context, dev hal.Device, desc hal.Descriptor, opts ...ConnOption) (*Conn, error) {
	o := connOptions{cfg: DefaultConfig(), obs: NopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.obs == nil {
		o.obs = NopObserver{}
	}

	c := &Conn{dev: dev, desc: desc, cfg: o.cfg, obs: o.obs}
	c.setState(StateConnecting, nil)

	if err := c.setup(ctx, o); err != nil {
		err = fmt.Errorf("setup %s: %w", desc, err)
		c.setState(StateError, err)
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentSession, "camera connected",
		"vendor", fmt.Sprintf("0x%04x", desc.VendorID),
		"product", fmt.Sprintf("0x%04x", desc.ProductID),
		"manufacturer", desc.Manufacturer,
		"name", desc.Product,
		"serial", desc.SerialNumber,
		"interface", c.ch.Interface())
	c.setState(StateConnected, nil)
	return c, nil
}

func (c *Conn) setup(ctx context.Context, o connOptions) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	iface := c.desc.FindInterface(hal.ClassStillImage)
	if iface == nil {
		return pkg.ErrNoInterface
	}
	eps, err := host.SelectEndpoints(iface)
	if err != nil {
		return err
	}

	chOpts := c.cfg.channelOptions()
	if o.clock != nil {
		chOpts = append(chOpts, host.WithClock(o.clock))
	}
	ch := host.NewChannel(c.dev, iface.Number, eps, chOpts...)
	if err := ch.Initialize(ctx); err != nil {
		return err
	}

	c.ch = ch
	c.port = NewUSBPort(ch)
	c.engine = NewEngine(c.port)
	return nil
}

func (c *Conn) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	pkg.LogDebug(pkg.ComponentSession, "state", "state", s, "error", err)
	c.obs.OnState(s, err)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Descriptor returns the descriptor the connection was set up with.
func (c *Conn) Descriptor() hal.Descriptor {
	return c.desc
}

// Config returns the connection settings.
func (c *Conn) Config() Config {
	return c.cfg
}

// Engine returns the transaction engine.
func (c *Conn) Engine() *Engine {
	return c.engine
}

// Port returns the USB port.
func (c *Conn) Port() *USBPort {
	return c.port
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return pkg.ErrClosed
	case c.engine == nil:
		return pkg.ErrNotConnected
	}
	return nil
}

// fail moves the connection to the error state for failures that leave the
// transport unusable. Rejected requests and timeouts keep it connected.
func (c *Conn) fail(err error) error {
	if err == nil {
		return nil
	}
	if isTransportFailure(err) {
		c.setState(StateError, err)
	}
	return err
}

// recovered leaves the error state after a transaction completes.
func (c *Conn) recovered() {
	c.mu.Lock()
	failed := c.state == StateError && !c.closed
	c.mu.Unlock()
	if failed {
		c.setState(StateConnected, nil)
	}
}

func isTransportFailure(err error) bool {
	var (
		exhausted *pkg.ReadExhaustedError
		transfer  *pkg.TransferError
		request   *pkg.RequestError
	)
	switch {
	case errors.As(err, &exhausted):
		return true
	case errors.As(err, &request) && request.Code != 0:
		return false
	case errors.As(err, &transfer):
		return true
	}
	return false
}

// OpenSession opens session id on the device.
func (c *Conn) OpenSession(ctx context.Context, id uint32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	tid := c.engine.NextTransactionID()
	_, err := c.engine.SendRequest(ctx, OpOpenSession, tid, []uint32{id}, c.cfg.Operations.OpenSession)
	if err != nil {
		return c.fail(err)
	}
	c.recovered()
	pkg.LogInfo(pkg.ComponentSession, "session opened", "session", id, "tid", tid)
	return nil
}

// GetObjectHandles lists the objects matching storage, format and parent.
// Use AllStorage, AnyFormat and AnyParent to list everything.
func (c *Conn) GetObjectHandles(ctx context.Context, storage, format, parent uint32) ([]ObjectHandle, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	dec := NewHandleListDecoder()
	tid := c.engine.NextTransactionID()
	_, err := c.engine.RequestData(ctx, dec, OpGetObjectHandles, tid,
		[]uint32{storage, format, parent}, c.cfg.Operations.GetObjectHandles)
	if err != nil {
		return nil, c.fail(err)
	}
	c.recovered()
	for _, a := range dec.Anomalies() {
		pkg.LogWarn(pkg.ComponentSession, "handle list anomaly", "error", a)
	}
	pkg.LogInfo(pkg.ComponentSession, "object handles", "tid", tid, "count", len(dec.Handles()))
	return dec.Handles(), nil
}

// GetObject streams object h into w and returns the number of bytes written.
// A sink failure is reported after the transaction completes.
func (c *Conn) GetObject(ctx context.Context, h ObjectHandle, w io.Writer) (int64, error) {
	return c.getObject(ctx, h, w, nil)
}

func (c *Conn) getObject(ctx context.Context, h ObjectHandle, w io.Writer, progress func(Chunk)) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	stream := NewByteStreamDecoder(w)
	var dec Decoder = stream
	if progress != nil {
		dec = DecoderFunc(func(ch Chunk) {
			stream.Decode(ch)
			progress(ch)
		})
	}

	tid := c.engine.NextTransactionID()
	_, err := c.engine.RequestData(ctx, dec, OpGetObject, tid, []uint32{uint32(h)}, c.cfg.Operations.GetObject)
	if err != nil {
		return stream.Written(), c.fail(err)
	}
	c.recovered()
	if err := stream.Err(); err != nil {
		return stream.Written(), fmt.Errorf("write object 0x%08x: %w", uint32(h), err)
	}
	pkg.LogDebug(pkg.ComponentSession, "object received", "handle", uint32(h), "tid", tid, "bytes", stream.Written())
	return stream.Written(), nil
}

// Reset sends the still-image Device Reset request.
func (c *Conn) Reset(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.port.Reset(ctx)
}

// Status sends the still-image Get Device Status request.
func (c *Conn) Status(ctx context.Context) (DeviceStatus, error) {
	if err := c.checkOpen(); err != nil {
		return DeviceStatus{}, err
	}
	return c.port.Status(ctx)
}

// Close releases the interface and closes the device. Only the first call
// does any work; later calls return the first call's result.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.engine == nil {
		c.mu.Unlock()
		return pkg.ErrNotConnected
	}
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.mu.Unlock()

	err := multierr.Combine(
		c.port.Close(),
		c.dev.Close(),
	)

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentSession, "disconnect", "error", err)
	} else {
		pkg.LogInfo(pkg.ComponentSession, "disconnected")
	}
	c.setState(StateDisconnected, err)
	return err
}
