package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff doubles the wait from Initial after every failed attempt, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// policy allows maxAttempts attempts in total and gives up as soon as ctx is done.
func (b Backoff) policy(ctx context.Context, maxAttempts int) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.MaxInterval = b.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = backoff.DefaultMaxInterval
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := uint64(0)
	if maxAttempts > 1 {
		retries = uint64(maxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}
