package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy is the backoff policy for soft failures.
//
// MaxAttempts counts deliveries including the original send, so with the
// default of 3 a recipient gets the original plus two retries before it is
// suppressed.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	RetryWindow time.Duration
	// Schedule gives explicit delays for the first retries.
	Schedule []time.Duration
}

// DefaultPolicy retries after 5 minutes, then 30 minutes, within one day.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Minute,
		RetryWindow: 24 * time.Hour,
		Schedule:    []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour},
	}
}

// Delay returns the wait before retry number n+1, where n is the number of
// retries already scheduled. Past the explicit schedule the last delay keeps
// doubling (BaseDelay * 2^n without a schedule). Always capped by
// RetryWindow.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n < len(p.Schedule) {
		return p.capped(p.Schedule[n])
	}

	d, doublings := p.BaseDelay, n
	if len(p.Schedule) > 0 {
		d, doublings = p.Schedule[len(p.Schedule)-1], n-len(p.Schedule)+1
	}
	for i := 0; i < doublings; i++ {
		if p.RetryWindow > 0 && d >= p.RetryWindow {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	return p.capped(d)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.RetryWindow > 0 && d > p.RetryWindow {
		return p.RetryWindow
	}
	return d
}

// Validate checks the policy is usable and that delays never shrink.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if p.RetryWindow <= 0 {
		return fmt.Errorf("retry window must be positive")
	}
	var prev time.Duration
	for i, d := range p.Schedule {
		if d <= prev {
			return fmt.Errorf("delay schedule must strictly increase (entry %d)", i)
		}
		prev = d
	}
	return nil
}
