package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// IdempotencyKey generates a deterministic hash identifying a single
// checkpoint write attempt, preventing duplicate commits across retries or
// crash recovery.
//
// The key is computed from:
//  1. Instance id.
//  2. Checkpoint id.
//  3. Attempt number (0 for the fresh-key write; retry rows carry their own attempt).
//  4. The proposed state bytes.
//
// Ported from the teacher's computeIdempotencyKey (graph/checkpoint.go),
// simplified for a byte-blob state instead of a generic JSON-serializable
// type: RUNTARA's checkpoint state is already an opaque []byte supplied by
// the workflow binary, so no JSON marshal step is needed.
func IdempotencyKey(instanceID, checkpointID string, attempt int, state []byte) string {
	h := sha256.New()
	h.Write([]byte(instanceID))
	h.Write([]byte{0})
	h.Write([]byte(checkpointID))

	attemptBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(attemptBytes, uint64(attempt))
	h.Write(attemptBytes)

	h.Write(state)

	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
