package apierrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/runtarahq/runtara/internal/apierrors"
)

func TestFaultErrorIncludesCode(t *testing.T) {
	f := apierrors.New(apierrors.CategoryValidation, "bad_input", "field is required")
	if got, want := f.Error(), "bad_input: field is required"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapChainsCauseForErrorsIs(t *testing.T) {
	f := apierrors.Wrap(apierrors.CategoryState, "invalid_transition", "cannot move to running", apierrors.ErrInvalidTransition)
	if !errors.Is(f, apierrors.ErrInvalidTransition) {
		t.Fatal("expected errors.Is to find the wrapped sentinel via Unwrap")
	}
}

func TestErrorsAsRecoversFault(t *testing.T) {
	base := apierrors.Wrap(apierrors.CategoryResource, "at_capacity", "cap reached", apierrors.ErrAtCapacity)
	wrapped := fmt.Errorf("launch: %w", base)

	var f *apierrors.Fault
	if !errors.As(wrapped, &f) {
		t.Fatal("expected errors.As to recover the *Fault through a %w wrap")
	}
	if f.Category != apierrors.CategoryResource {
		t.Fatalf("category = %v, want CategoryResource", f.Category)
	}
}

func TestRetryableReflectsFaultField(t *testing.T) {
	f := &apierrors.Fault{Code: "STORAGE_UNAVAILABLE", Category: apierrors.CategoryStorage, Retryable: true}
	if !apierrors.Retryable(f) {
		t.Fatal("expected Retryable(f) to be true when Fault.Retryable is set")
	}

	permanent := apierrors.New(apierrors.CategoryValidation, "bad_input", "nope")
	if apierrors.Retryable(permanent) {
		t.Fatal("expected Retryable to be false for a validation fault with Retryable unset")
	}
}

func TestRetryableFalseForNonFaultErrors(t *testing.T) {
	if apierrors.Retryable(errors.New("plain error")) {
		t.Fatal("expected Retryable to be false for an error that isn't a *Fault")
	}
}
