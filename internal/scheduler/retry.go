package scheduler

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls the backoff between attempts for a work unit.
// Attempts is the total number of tries, not the number of re-tries.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the jittered exponential backoff before the given attempt
// (the first attempt is 1 and runs immediately).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := p.Initial
	for i := 2; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Max {
			break
		}
	}
	if backoff > p.Max {
		backoff = p.Max
	}
	if backoff <= 0 {
		return 0
	}
	// Jitter to half the window so concurrent workers spread out.
	half := backoff / 2
	return half + rand.N(half+1)
}
