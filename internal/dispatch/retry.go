package dispatch

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds how often a failed slot is re-dispatched and how long
// to wait between rounds.
type RetryPolicy struct {
	Budget         int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Budget:         2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	def := DefaultRetryPolicy()
	if policy.Budget < 0 {
		policy.Budget = 0
	}
	if policy.InitialBackoff < 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	return policy
}

// backoff returns the wait before retry round n (1-based).
func (p RetryPolicy) backoff(round int) time.Duration {
	if p.InitialBackoff <= 0 || round <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(round-1))
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
