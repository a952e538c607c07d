// Package instance implements the Instance lifecycle state machine (§4.1):
// legal transitions between pending, running, suspended, and the terminal
// states, plus the attempt/retry bookkeeping that decides whether a crashed
// instance is relaunched or failed outright.
//
// Grounded on the teacher's graph/errors.go sentinel-error style for
// rejecting illegal transitions, and graph/policy.go's RetryPolicy for the
// attempt-exhaustion check reused here via internal/retrypolicy.
package instance

import (
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/retrypolicy"
	"github.com/runtarahq/runtara/internal/store"
)

// SuspendReason distinguishes the two ways an instance can be suspended:
// a durable sleep (self-initiated, wakes on its own) or a pause (externally
// initiated via a control signal, wakes only on an explicit resume).
type SuspendReason string

const (
	SuspendSleeping SuspendReason = "sleeping"
	SuspendPaused   SuspendReason = "paused"
)

// legalTransitions enumerates, for each status, the statuses it may move to
// directly. Terminal statuses have no outgoing edges.
var legalTransitions = map[store.InstanceStatus][]store.InstanceStatus{
	store.StatusPending: {
		store.StatusRunning,
		store.StatusCancelled, // cancelled before the container ever launched
	},
	store.StatusRunning: {
		store.StatusSuspended,
		store.StatusCompleted,
		store.StatusFailed,
		store.StatusCancelled,
		store.StatusRunning, // relaunch after a crash, same status, bumped attempt
	},
	store.StatusSuspended: {
		store.StatusRunning, // wake (sleep elapsed) or resume (pause lifted)
		store.StatusCancelled,
	},
}

// ValidateTransition reports whether moving an instance from `from` to `to`
// is legal, returning apierrors.ErrInvalidTransition (category
// CategoryState) when it is not.
func ValidateTransition(from, to store.InstanceStatus) error {
	if from.Terminal() {
		return apierrors.Wrap(apierrors.CategoryState, "invalid_transition",
			fmt.Sprintf("instance is already terminal (%s), cannot move to %s", from, to),
			apierrors.ErrInvalidTransition)
	}

	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apierrors.Wrap(apierrors.CategoryState, "invalid_transition",
		fmt.Sprintf("instance cannot move from %s to %s", from, to),
		apierrors.ErrInvalidTransition)
}

// Transition applies a validated status change to inst, stamping
// TerminationReason and FinishedAt when to is terminal. It mutates and
// returns the same Instance value; callers persist it via
// store.Instances.UpdateInstance.
func Transition(inst store.Instance, to store.InstanceStatus, reason store.TerminationReason, now time.Time) (store.Instance, error) {
	if err := ValidateTransition(inst.Status, to); err != nil {
		return inst, err
	}

	inst.Status = to
	if to.Terminal() {
		inst.TerminationReason = reason
		inst.FinishedAt = &now
	}
	return inst, nil
}

// ShouldRetry decides whether a crashed or timed-out instance gets another
// attempt, per the instance's configured retry policy and the attempts it
// has already used.
func ShouldRetry(inst store.Instance, policy retrypolicy.Policy) bool {
	if inst.Status.Terminal() {
		return false
	}
	return !policy.Exhausted(inst.Attempt) && inst.Attempt < inst.MaxAttempts
}

// NextAttempt bumps attempt bookkeeping ahead of a relaunch.
func NextAttempt(inst store.Instance) store.Instance {
	inst.Attempt++
	return inst
}
