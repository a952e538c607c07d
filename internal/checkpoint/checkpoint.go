// Package checkpoint implements the at-most-once durable checkpoint
// primitive that backs the Instance Plane's checkpoint operation: the
// first call for a given (instance, checkpoint id) persists state and
// returns existing_state=none; every subsequent call with the same key
// returns the originally stored bytes unchanged. This is the "replay"
// semantic a workflow binary relies on after a crash and relaunch.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrReplayMismatch is returned when a retry-flagged collision is detected
// against a key that already has a committed non-retry row under a
// different state hash — signalling the caller resumed with different
// inputs than the original attempt.
var ErrReplayMismatch = errors.New("checkpoint: replay mismatch against previously committed state")

// CompensationState classifies a compensatable checkpoint's saga rollback
// progress.
type CompensationState string

const (
	CompensationNone      CompensationState = "none"
	CompensationPending   CompensationState = "pending"
	CompensationTriggered CompensationState = "triggered"
	CompensationCompleted CompensationState = "completed"
	CompensationFailed    CompensationState = "failed"
)

// Record is a durable checkpoint row: a (instance, checkpoint id) pair plus
// the compensation and retry-audit metadata described in the data model.
type Record struct {
	InstanceID string
	ID         string

	// Sequence is the monotonic per-instance insertion order.
	Sequence int64

	State []byte

	CreatedAt time.Time

	// RetryAttempt marks this row as an append-only retry-audit entry rather
	// than the fresh-key write; retry rows never satisfy "first write wins".
	RetryAttempt bool
	Attempt      int
	ErrorMessage string

	// Compensation metadata, present only when IsCompensatable.
	IsCompensatable    bool
	CompensationStep   string
	CompensationData   []byte
	CompensationState  CompensationState
	CompensationOrdinal int
}

// WriteRequest is the input to a checkpoint write.
type WriteRequest struct {
	InstanceID string
	ID         string
	State      []byte

	RetryAttempt bool
	Attempt      int
	ErrorMessage string

	IsCompensatable     bool
	CompensationStep    string
	CompensationData    []byte
	CompensationOrdinal int
}

// StateHash returns a content hash of the proposed state, used by stores to
// detect whether a repeat call under the same key carries the same bytes
// the binary originally sent (diagnostic only — the contract still returns
// the originally stored bytes regardless of mismatch).
func StateHash(state []byte) string {
	sum := sha256.Sum256(state)
	return "sha256:" + hex.EncodeToString(sum[:])
}
