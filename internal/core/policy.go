package core

import "time"

// RetryPolicy decides how many capture attempts a bookmark gets and how long
// to wait between them.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts before the screenshot is
	// marked failed.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Next returns the retry count after one more failed attempt and whether
// that exhausts the policy.
func (p RetryPolicy) Next(retries int) (n int, exhausted bool) {
	n = retries + 1
	return n, n >= p.MaxRetries
}

// Backoff returns min(BaseDelay * 2^(n-1), MaxDelay) for the n-th failure.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
