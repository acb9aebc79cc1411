// Package backoff provides retry delay strategies for notification
// delivery and provider fetches. Strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt:
// min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponential(base, max time.Duration) *Exponential {
	return &Exponential{Base: base, Max: max}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialJitter is Exponential with equal jitter: half the computed
// delay is kept, the other half is randomized. Spreads simultaneous
// retries without ever returning a near-zero delay.
type ExponentialJitter struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponentialJitter(base, max time.Duration) *ExponentialJitter {
	return &ExponentialJitter{Base: base, Max: max}
}

func (e *ExponentialJitter) Delay(attempt int) time.Duration {
	d := (&Exponential{Base: e.Base, Max: e.Max}).Delay(attempt)
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Default is the delivery retry strategy used when config is silent:
// 1s base with equal jitter, capped at 1 minute.
func Default() Strategy {
	return NewExponentialJitter(time.Second, time.Minute)
}
