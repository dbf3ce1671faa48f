package host

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how a Channel retries bulk IN reads.
type RetryPolicy struct {
	// MaxAttempts is the total number of read attempts, including the first.
	MaxAttempts int `toml:"max_attempts"`

	// Step is the linear backoff increment: the sleep after attempt k is k*Step.
	Step time.Duration `toml:"step"`
}

// DefaultRetryPolicy returns five attempts with 1s, 2s, 3s and 4s sleeps.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultReadAttempts,
		Step:        DefaultBackoffStep,
	}
}

// BackOff returns a fresh backoff schedule for one read.
func (p RetryPolicy) BackOff() *LinearBackOff {
	return &LinearBackOff{Step: p.Step, MaxAttempts: p.MaxAttempts}
}

// LinearBackOff is a backoff.BackOff whose interval grows by Step after each
// failed attempt and stops once MaxAttempts have been made.
type LinearBackOff struct {
	Step        time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NextBackOff returns the sleep before the next attempt, or backoff.Stop.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	return time.Duration(b.attempt) * b.Step
}

// Reset restarts the schedule.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// clockTimer adapts a clock.Clock to backoff.Timer so retry sleeps follow
// the channel's clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
