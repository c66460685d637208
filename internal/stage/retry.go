package stage

import "time"

// DefaultMaxBackoff caps the exponential backoff when a policy sets no cap.
const DefaultMaxBackoff = 30 * time.Second

// RetryPolicy bounds how many times a stage is attempted and how long the
// scheduler waits between attempts.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// Attempts returns the total number of attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay before the attempt that follows failed attempt n
// (zero-based): Base * 2^n, capped at Max.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if p.Base >= limit {
		return limit
	}

	d := p.Base
	for i := 0; i < n; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}
