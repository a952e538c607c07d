package retrypolicy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/retrypolicy"
)

func TestValidateRejectsZeroMaxAttempts(t *testing.T) {
	p := retrypolicy.Policy{MaxAttempts: 0}
	if !errors.Is(p.Validate(), retrypolicy.ErrInvalidPolicy) {
		t.Fatal("expected ErrInvalidPolicy for MaxAttempts < 1")
	}
}

func TestValidateRejectsMaxDelayBelowBaseDelay(t *testing.T) {
	p := retrypolicy.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Second}
	if !errors.Is(p.Validate(), retrypolicy.ErrInvalidPolicy) {
		t.Fatal("expected ErrInvalidPolicy when MaxDelay < BaseDelay")
	}
}

func TestValidateAcceptsSaneDefaults(t *testing.T) {
	if err := retrypolicy.Default().Validate(); err != nil {
		t.Fatalf("default policy should validate, got %v", err)
	}
}

func TestBackoffGrowsExponentiallyUpToCap(t *testing.T) {
	p := retrypolicy.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	d0 := p.Backoff(0)
	if d0 < time.Second || d0 >= 2*time.Second {
		t.Fatalf("attempt 0 backoff = %v, want in [1s, 2s)", d0)
	}

	d5 := p.Backoff(5)
	if d5 > p.MaxDelay+p.BaseDelay {
		t.Fatalf("attempt 5 backoff = %v, want capped near MaxDelay (%v)", d5, p.MaxDelay)
	}
}

func TestBackoffZeroWhenBaseDelayUnset(t *testing.T) {
	p := retrypolicy.Policy{MaxAttempts: 3}
	if d := p.Backoff(2); d != 0 {
		t.Fatalf("expected zero backoff with no BaseDelay, got %v", d)
	}
}

func TestExhausted(t *testing.T) {
	p := retrypolicy.Policy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatal("2 of 3 attempts should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("3 of 3 attempts should be exhausted")
	}
	if !p.Exhausted(4) {
		t.Fatal("attempts beyond the max should still report exhausted")
	}
}
