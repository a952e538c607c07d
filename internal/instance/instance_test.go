package instance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/instance"
	"github.com/runtarahq/runtara/internal/retrypolicy"
	"github.com/runtarahq/runtara/internal/store"
)

func TestValidateTransition(t *testing.T) {
	t.Run("pending to running is legal", func(t *testing.T) {
		if err := instance.ValidateTransition(store.StatusPending, store.StatusRunning); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("running to suspended is legal", func(t *testing.T) {
		if err := instance.ValidateTransition(store.StatusRunning, store.StatusSuspended); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("suspended to running is legal (wake or resume)", func(t *testing.T) {
		if err := instance.ValidateTransition(store.StatusSuspended, store.StatusRunning); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("pending to suspended is illegal", func(t *testing.T) {
		err := instance.ValidateTransition(store.StatusPending, store.StatusSuspended)
		if !errors.Is(err, apierrors.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("terminal states have no outgoing transitions", func(t *testing.T) {
		for _, terminal := range []store.InstanceStatus{store.StatusCompleted, store.StatusFailed, store.StatusCancelled} {
			if err := instance.ValidateTransition(terminal, store.StatusRunning); !errors.Is(err, apierrors.ErrInvalidTransition) {
				t.Fatalf("transition out of terminal state %s should be illegal, got %v", terminal, err)
			}
		}
	})
}

func TestTransition(t *testing.T) {
	t.Run("moving to a terminal state stamps reason and finished_at", func(t *testing.T) {
		inst := store.Instance{ID: "i1", Status: store.StatusRunning}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		out, err := instance.Transition(inst, store.StatusCompleted, store.ReasonCompleted, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != store.StatusCompleted {
			t.Errorf("status = %s, want completed", out.Status)
		}
		if out.TerminationReason != store.ReasonCompleted {
			t.Errorf("reason = %s, want completed", out.TerminationReason)
		}
		if out.FinishedAt == nil || !out.FinishedAt.Equal(now) {
			t.Errorf("finished_at = %v, want %v", out.FinishedAt, now)
		}
	})

	t.Run("rejects an illegal move and leaves the instance unchanged", func(t *testing.T) {
		inst := store.Instance{ID: "i1", Status: store.StatusCompleted}
		out, err := instance.Transition(inst, store.StatusRunning, "", time.Now())
		if err == nil {
			t.Fatal("expected an error")
		}
		if out.Status != store.StatusCompleted {
			t.Errorf("status changed despite error: %s", out.Status)
		}
	})
}

func TestShouldRetry(t *testing.T) {
	policy := retrypolicy.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	t.Run("retries while attempts remain", func(t *testing.T) {
		inst := store.Instance{Status: store.StatusRunning, Attempt: 1, MaxAttempts: 3}
		if !instance.ShouldRetry(inst, policy) {
			t.Fatal("expected retry to be allowed")
		}
	})

	t.Run("stops once max attempts is reached", func(t *testing.T) {
		inst := store.Instance{Status: store.StatusRunning, Attempt: 3, MaxAttempts: 3}
		if instance.ShouldRetry(inst, policy) {
			t.Fatal("expected retry to be disallowed at max attempts")
		}
	})

	t.Run("never retries a terminal instance", func(t *testing.T) {
		inst := store.Instance{Status: store.StatusFailed, Attempt: 0, MaxAttempts: 3}
		if instance.ShouldRetry(inst, policy) {
			t.Fatal("expected no retry for a terminal instance")
		}
	})
}
