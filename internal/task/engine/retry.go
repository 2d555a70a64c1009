package engine

import (
	"errors"
	"time"
)

// RetryPolicy is a capped exponential backoff: Base * 2^(retry-1), at most Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: 300 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 300 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the backoff for the given 1-based retry number.
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// DelayFor is Delay, except that an explicit RetryAfter hint on err wins
// (still bounded by Max).
func (p RetryPolicy) DelayFor(retry int, err error) time.Duration {
	p = p.withDefaults()
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.Max {
			d = p.Max
		}
		return d
	}
	return p.Delay(retry)
}
