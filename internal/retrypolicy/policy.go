// Package retrypolicy implements attempt counting and backoff for instance
// relaunches: wake-scheduler retries after a failed relaunch, and the
// binary-side retry audit rows recorded via the checkpoint retry-attempt
// flag. Adapted from the teacher's graph/policy.go RetryPolicy.
package retrypolicy

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidPolicy is returned by Validate when a Policy's fields are
// inconsistent.
var ErrInvalidPolicy = errors.New("retrypolicy: invalid policy")

// Policy configures exponential backoff with jitter for relaunch retries.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// Validate checks that the policy's fields are self-consistent.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Backoff computes the delay before the given zero-based attempt, using
// exponential growth capped at MaxDelay plus jitter in [0, BaseDelay) to
// avoid a thundering herd of simultaneous relaunches.
//
// delay = min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay)
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay * time.Duration(uint64(1)<<uint(attempt))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay))) // #nosec G404 -- retry jitter, not security-sensitive
	return delay + jitter
}

// Exhausted reports whether attempt (1-based count of attempts made so far)
// has reached MaxAttempts.
func (p Policy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// Default returns a conservative policy suitable for wake-scheduler
// relaunch retries: 5 attempts, 2s base, 2m cap.
func Default() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}
}
