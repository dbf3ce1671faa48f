package ptp

import (
	"fmt"
	"time"

	"github.com/ardnew/ptpusb/host"
	"github.com/ardnew/ptpusb/pkg"
)

// OperationTimeouts bounds each transaction from command to response.
type OperationTimeouts struct {
	OpenSession      time.Duration `toml:"open_session"`
	GetObjectHandles time.Duration `toml:"get_object_handles"`
	GetObject        time.Duration `toml:"get_object"`
}

// Config holds connection settings.
type Config struct {
	// SessionID is the session DownloadAll opens. PTP reserves zero.
	SessionID uint32 `toml:"session_id"`

	// ForceClaim detaches an OS driver bound to the PTP interface.
	ForceClaim bool `toml:"force_claim"`

	// Retry controls bulk IN retries.
	Retry host.RetryPolicy `toml:"retry"`

	// Transfer bounds individual USB transfers.
	Transfer host.Timeouts `toml:"transfer"`

	// Operations bounds whole transactions.
	Operations OperationTimeouts `toml:"operations"`
}

// DefaultConfig returns the standard connection settings.
func DefaultConfig() Config {
	return Config{
		SessionID:  DefaultSessionID,
		ForceClaim: true,
		Retry:      host.DefaultRetryPolicy(),
		Transfer:   host.DefaultTimeouts(),
		Operations: OperationTimeouts{
			OpenSession:      5 * time.Second,
			GetObjectHandles: 5 * time.Second,
			GetObject:        30 * time.Second,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.SessionID == 0:
		return fmt.Errorf("session_id must be non-zero: %w", pkg.ErrInvalidParameter)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be at least 1: %w", pkg.ErrInvalidParameter)
	case c.Retry.Step < 0:
		return fmt.Errorf("retry.step must not be negative: %w", pkg.ErrInvalidParameter)
	case c.Transfer.Read < 0, c.Transfer.Write < 0, c.Transfer.Control < 0:
		return fmt.Errorf("transfer timeouts must not be negative: %w", pkg.ErrInvalidParameter)
	case c.Operations.OpenSession <= 0, c.Operations.GetObjectHandles <= 0, c.Operations.GetObject <= 0:
		return fmt.Errorf("operation timeouts must be positive: %w", pkg.ErrInvalidParameter)
	}
	return nil
}

// channelOptions converts the transfer settings to channel options.
func (c Config) channelOptions() []host.Option {
	return []host.Option{
		host.WithRetryPolicy(c.Retry),
		host.WithTimeouts(c.Transfer),
		host.WithForceClaim(c.ForceClaim),
	}
}
