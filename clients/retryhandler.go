package clients

import (
	"math"
	"math/rand"
	"time"
)

// RetryInfo represents the retry/backoff configuration used by anything
// that talks to an external process or service: how many attempts to
// make and how long to wait between them.
type RetryInfo struct {
	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int
	// Wait is the base wait time in milliseconds between retries.
	Wait int
	// Exponential enables exponential backoff. When false, Wait is used
	// unchanged for every retry.
	Exponential bool
	// Multiplier is the exponential backoff base. Defaults to 2 when
	// <= 0 and Exponential is true.
	Multiplier float64
	// MaxWait caps the computed backoff, in milliseconds. Zero means
	// uncapped. Ignored when Exponential is false.
	MaxWait int
	// Jitter adds a random value in [0, backoff) to the computed
	// backoff, to avoid many callers retrying in lockstep.
	Jitter bool
}

// WaitTime returns how long to sleep before the given retry attempt
// (0-indexed). For fixed backoff it is always Wait. For exponential
// backoff it is Wait * Multiplier^retryCount, capped at MaxWait when set.
func (r *RetryInfo) WaitTime(retryCount int) time.Duration {
	base := float64(r.Wait)
	if base == 0 {
		return 0
	}

	wait := base
	if r.Exponential {
		mult := r.Multiplier
		if mult <= 0 {
			mult = 2
		}
		wait = base * math.Pow(mult, float64(retryCount))
		if r.MaxWait > 0 && wait > float64(r.MaxWait) {
			wait = float64(r.MaxWait)
		}
	}

	if r.Jitter {
		wait += rand.Float64() * wait
	}

	return time.Duration(wait) * time.Millisecond
}
