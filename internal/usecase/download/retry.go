package download

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffFor returns the capped exponential delay for a given retry
// attempt: 5s × 2ⁿ, clamped at 60s (spec.md §4.3 retry policy).
// RandomizationFactor is zeroed so the sequence is the literal one the
// spec names, not jittered.
func backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
