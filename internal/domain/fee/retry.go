package fee

import (
	"errors"
	"time"
)

// RetryPolicy bounds how often a remote operation is retried after a
// detected counter conflict. Delays grow exponentially from InitialBackoff
// by Multiplier, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max attempts must be at least 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("retry backoff cannot be negative")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.New("retry initial backoff cannot exceed max backoff")
	}
	if p.Multiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	return nil
}
