package attach

import "time"

// RestartPolicy is a stateful backoff schedule for reconnect attempts:
// a short initial delay growing multiplicatively up to a bound, giving up
// after a fixed number of consecutive failures. A successful reconnect
// resets it.
type RestartPolicy struct {
	// Initial is the first retry delay.
	Initial time.Duration
	// Max caps the grown delay.
	Max time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// MaxAttempts bounds consecutive failures before giving up.
	MaxAttempts int

	attempt int
	current time.Duration
}

// DefaultRestartPolicy returns the stock schedule.
func DefaultRestartPolicy() *RestartPolicy {
	return &RestartPolicy{
		Initial:     250 * time.Millisecond,
		Max:         5 * time.Second,
		Factor:      2,
		MaxAttempts: 10,
	}
}

// Next records one failure and returns the delay before the next attempt,
// or false when the policy is exhausted.
func (p *RestartPolicy) Next() (time.Duration, bool) {
	if p.MaxAttempts > 0 && p.attempt >= p.MaxAttempts {
		return 0, false
	}
	p.attempt++
	if p.current == 0 {
		p.current = p.Initial
	} else {
		p.current = time.Duration(float64(p.current) * p.Factor)
	}
	if p.Max > 0 && p.current > p.Max {
		p.current = p.Max
	}
	return p.current, true
}

// Reset clears accumulated failures after a successful reconnect.
func (p *RestartPolicy) Reset() {
	p.attempt = 0
	p.current = 0
}
