package retry

import (
	"time"
)

// Policy computes retry scheduling for failed jobs. It is a pure value: no
// clocks, no store access, so it can be unit-tested in isolation.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the webhook job queue: 5s base doubling per attempt,
// capped at 5 minutes, 5 attempts before terminal failure.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, Cap: 300 * time.Second, MaxAttempts: 5}
}

// RemovalPolicy is the slower schedule used for monthly removal jobs.
func RemovalPolicy() Policy {
	return Policy{Base: 10 * time.Second, Cap: 300 * time.Second, MaxAttempts: 5}
}

// NextDelay returns the delay before the next attempt. An explicit hint (an
// upstream Retry-After) always overrides the computed backoff. attempts is
// the count recorded by the claim that just failed, so the first failure
// sees attempts=1.
func (p Policy) NextDelay(attempts int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	if attempts < 0 {
		attempts = 0
	}
	// min(cap, base * 2^attempts), guarding the shift against overflow
	if attempts > 30 {
		return p.Cap
	}
	d := p.Base * time.Duration(1<<uint(attempts))
	if d > p.Cap || d <= 0 {
		return p.Cap
	}
	return d
}

// Exhausted reports whether a job with the given attempt count has no
// retries left.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
