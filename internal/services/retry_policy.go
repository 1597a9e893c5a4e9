package services

import (
	"math/rand"
	"os"
	"strconv"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond

	// jitterFraction is the symmetric jitter applied to each delay (±20%),
	// spreading out retries when many jobs fail at once.
	jitterFraction = 0.2
)

// RetryPolicy decides, from the attempt count alone, whether a failed job may
// run again and how long to wait before it does.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	rng *rand.Rand
}

// NewRetryPolicy builds a policy with jitter enabled.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	return newRetryPolicy(maxAttempts, baseDelay, maxDelay, true, time.Now().UnixNano())
}

// NewSeededRetryPolicy builds a policy whose jitter is reproducible. Retry
// timing tests depend on this; raw random jitter makes them flaky.
func NewSeededRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, seed int64) *RetryPolicy {
	return newRetryPolicy(maxAttempts, baseDelay, maxDelay, true, seed)
}

// NewRetryPolicyWithoutJitter builds a fully deterministic policy.
func NewRetryPolicyWithoutJitter(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	return newRetryPolicy(maxAttempts, baseDelay, maxDelay, false, 0)
}

func newRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, jitter bool, seed int64) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Jitter:      jitter,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// RetryPolicyFromEnv reads JOB_MAX_ATTEMPTS, JOB_RETRY_BASE_MS and
// JOB_RETRY_MAX_MS, falling back to the defaults.
func RetryPolicyFromEnv() *RetryPolicy {
	maxAttempts := envInt("JOB_MAX_ATTEMPTS", DefaultMaxAttempts)
	base := time.Duration(envInt("JOB_RETRY_BASE_MS", int(DefaultBaseDelay/time.Millisecond))) * time.Millisecond
	max := time.Duration(envInt("JOB_RETRY_MAX_MS", int(DefaultMaxDelay/time.Millisecond))) * time.Millisecond
	return NewRetryPolicy(maxAttempts, base, max)
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// attempts have already run.
func (p *RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay computes the backoff before attempt `attempt` is retried:
// min(base * 2^attempt, max), with optional ±20% jitter. The jittered value
// never exceeds MaxDelay.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter {
		spread := float64(delay) * jitterFraction
		delta := (p.rng.Float64()*2 - 1) * spread
		delay = time.Duration(float64(delay) + delta)
		if delay < 0 {
			delay = 0
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return delay
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func envString(key, fallback string) string {
	if raw := os.Getenv(key); raw != "" {
		return raw
	}
	return fallback
}
