// Package retry provides a jittered exponential backoff retryer for
// cross-agent calls.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/types"
)

// Policy configures the retry behavior.
type Policy struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`   // total attempts including the first (min 1)
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // delay before the second attempt
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // backoff cap
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`       // exponential growth factor
	Jitter       bool          `json:"jitter" yaml:"jitter"`               // add +/-25% random jitter to each delay
}

// DefaultPolicy returns the policy used for handshake retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with backoff, retrying only errors that are
// marked retryable in the types error taxonomy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer, normalizing out-of-range policy fields.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is done.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return lastErr
}

// Delay returns the backoff delay before the given attempt (attempt >= 1):
// initial * multiplier^(attempt-1), capped at MaxDelay, with optional jitter.
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
