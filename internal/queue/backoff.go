package queue

import "time"

// Policy is the retry policy for failed jobs.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int // the MaxRetries-th failure is terminal
}

// DefaultPolicy retries after 2s, 4s, 8s, ... capped at 5 minutes, and gives
// up on the third failure.
var DefaultPolicy = Policy{
	BaseDelay:  2 * time.Second,
	MaxDelay:   5 * time.Minute,
	MaxRetries: 3,
}

// Delay returns the wait before retry attempt number retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether retryCount failures are terminal.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}
