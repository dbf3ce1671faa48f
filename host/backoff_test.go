package host

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearBackOff_DefaultSchedule(t *testing.T) {
	b := DefaultRetryPolicy().BackOff()

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, backoff.Stop}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "interval %d", i)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "stays stopped")

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestLinearBackOff_SingleAttempt(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 1, Step: time.Second}.BackOff()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestClockTimer(t *testing.T) {
	mock := clock.NewMock()
	timer := &clockTimer{clock: mock}

	timer.Start(2 * time.Second)
	mock.Add(time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	mock.Add(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire")
	}

	// A fired timer can be restarted.
	timer.Start(time.Second)
	mock.Add(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("restarted timer did not fire")
	}
	timer.Stop()
}

func TestRetryNotifyWithClockTimer(t *testing.T) {
	mock := clock.NewMock()
	attempts := 0
	var sleeps []time.Duration

	done := make(chan error, 1)
	go func() {
		done <- backoff.RetryNotifyWithTimer(
			func() error {
				attempts++
				return assert.AnError
			},
			DefaultRetryPolicy().BackOff(),
			func(_ error, d time.Duration) { sleeps = append(sleeps, d) },
			&clockTimer{clock: mock},
		)
	}()

	for {
		select {
		case err := <-done:
			require.ErrorIs(t, err, assert.AnError)
			assert.Equal(t, 5, attempts)
			assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, sleeps)
			return
		default:
			mock.Add(time.Second)
		}
	}
}
