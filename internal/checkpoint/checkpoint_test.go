package checkpoint_test

import (
	"testing"

	"github.com/runtarahq/runtara/internal/checkpoint"
)

func TestStateHashIsDeterministic(t *testing.T) {
	a := checkpoint.StateHash([]byte("same bytes"))
	b := checkpoint.StateHash([]byte("same bytes"))
	if a != b {
		t.Fatalf("expected identical hashes for identical input, got %s and %s", a, b)
	}
}

func TestStateHashDiffersOnDifferentState(t *testing.T) {
	a := checkpoint.StateHash([]byte("state one"))
	b := checkpoint.StateHash([]byte("state two"))
	if a == b {
		t.Fatal("expected different hashes for different input")
	}
}

func TestIdempotencyKeyStableForSameInputs(t *testing.T) {
	k1 := checkpoint.IdempotencyKey("i1", "k1", 0, []byte("state"))
	k2 := checkpoint.IdempotencyKey("i1", "k1", 0, []byte("state"))
	if k1 != k2 {
		t.Fatalf("expected identical keys, got %s and %s", k1, k2)
	}
}

func TestIdempotencyKeyDiffersByInstance(t *testing.T) {
	k1 := checkpoint.IdempotencyKey("i1", "k1", 0, []byte("state"))
	k2 := checkpoint.IdempotencyKey("i2", "k1", 0, []byte("state"))
	if k1 == k2 {
		t.Fatal("expected different keys for different instance ids")
	}
}

func TestIdempotencyKeyDiffersByCheckpointID(t *testing.T) {
	k1 := checkpoint.IdempotencyKey("i1", "k1", 0, []byte("state"))
	k2 := checkpoint.IdempotencyKey("i1", "k2", 0, []byte("state"))
	if k1 == k2 {
		t.Fatal("expected different keys for different checkpoint ids")
	}
}

func TestIdempotencyKeyDiffersByAttempt(t *testing.T) {
	k1 := checkpoint.IdempotencyKey("i1", "k1", 0, []byte("state"))
	k2 := checkpoint.IdempotencyKey("i1", "k1", 1, []byte("state"))
	if k1 == k2 {
		t.Fatal("expected different keys for different attempt numbers")
	}
}

func TestIdempotencyKeyDoesNotConfuseInstanceAndCheckpointBoundary(t *testing.T) {
	// "i1"+"k12" must not collide with "i1k"+"12" via naive concatenation;
	// the implementation separates fields with a NUL byte for exactly this
	// reason.
	k1 := checkpoint.IdempotencyKey("i1", "k12", 0, nil)
	k2 := checkpoint.IdempotencyKey("i1k", "12", 0, nil)
	if k1 == k2 {
		t.Fatal("expected field-boundary separation to prevent key collision")
	}
}

func TestCompensationPlanOrdersByDecreasingOrdinal(t *testing.T) {
	records := []checkpoint.Record{
		{ID: "step1", IsCompensatable: true, CompensationOrdinal: 1},
		{ID: "step3", IsCompensatable: true, CompensationOrdinal: 3},
		{ID: "step2", IsCompensatable: true, CompensationOrdinal: 2},
	}

	plan := checkpoint.CompensationPlan(records)
	if len(plan) != 3 {
		t.Fatalf("expected 3 compensatable steps, got %d", len(plan))
	}
	want := []string{"step3", "step2", "step1"}
	for i, r := range plan {
		if r.ID != want[i] {
			t.Fatalf("plan[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
}

func TestCompensationPlanExcludesNonCompensatableAndRetryRows(t *testing.T) {
	records := []checkpoint.Record{
		{ID: "step1", IsCompensatable: true, CompensationOrdinal: 1},
		{ID: "step2", IsCompensatable: false, CompensationOrdinal: 2},
		{ID: "step3", IsCompensatable: true, CompensationOrdinal: 3, RetryAttempt: true},
	}

	plan := checkpoint.CompensationPlan(records)
	if len(plan) != 1 || plan[0].ID != "step1" {
		t.Fatalf("expected only step1 in the plan, got %+v", plan)
	}
}
