package dispatch

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how one operation kind retries transient failures.
type RetryPolicy struct {
	// MaxAttempts bounds total attempts, the first included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMultiplier is applied to the wait on each further retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Jitter is the +/- fraction applied to each wait, 0 to disable.
	Jitter float64 `json:"jitter" yaml:"jitter"`

	// AttemptTimeout bounds one attempt, 0 for none.
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

// DefaultRetryPolicy returns the policy used for kinds without explicit configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		Jitter:            0.25,
		AttemptTimeout:    2 * time.Minute,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.MaxBackoff > 0 && p.BackoffBase > p.MaxBackoff {
		p.BackoffBase = p.MaxBackoff
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}

	backoff := time.Duration(float64(p.BackoffBase) * multiplier)
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	if p.Jitter > 0 {
		jitter := float64(backoff) * p.Jitter * (rand.Float64()*2 - 1)
		backoff += time.Duration(jitter)
	}
	if backoff < 0 {
		return 0
	}
	return backoff
}
