package offline

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a failing transaction is replayed. The zero
// value retries forever on every pass with no delay.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

// Exhausted reports whether a transaction with this many failed attempts
// should move to the dead-letter state.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Delay is the wait before the next replay after attempts failures:
// InitialBackoff doubled per failure, capped at MaxBackoff.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Hour
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
