package host

import "time"

// Channel defaults.
const (
	// DefaultMaxPacketSize is used when discovery did not report an
	// endpoint's maximum packet size.
	DefaultMaxPacketSize = 512

	// DefaultReadTimeout bounds each bulk IN attempt.
	DefaultReadTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a bulk OUT transfer.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultControlTimeout bounds a control transfer.
	DefaultControlTimeout = 5 * time.Second

	// DefaultReadAttempts is the number of bulk IN attempts before a read
	// is reported as exhausted.
	DefaultReadAttempts = 5

	// DefaultBackoffStep is the linear backoff increment between attempts.
	DefaultBackoffStep = time.Second
)

// Timeouts holds the per-transfer limits applied by a Channel.
type Timeouts struct {
	Read    time.Duration `toml:"read"`
	Write   time.Duration `toml:"write"`
	Control time.Duration `toml:"control"`
}

// DefaultTimeouts returns the standard transfer limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:    DefaultReadTimeout,
		Write:   DefaultWriteTimeout,
		Control: DefaultControlTimeout,
	}
}

// withDefaults fills zero fields from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Read <= 0 {
		t.Read = def.Read
	}
	if t.Write <= 0 {
		t.Write = def.Write
	}
	if t.Control <= 0 {
		t.Control = def.Control
	}
	return t
}
