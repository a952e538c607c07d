// Package emit provides event emission and observability for both planes,
// adapted from the teacher's graph/emit package: the same pluggable
// Emitter interface, now carrying Instance Events instead of graph-node
// execution events.
package emit

// Event represents an observability event: an Instance Event row, a
// checkpoint write, a container lifecycle transition, or a wake tick.
type Event struct {
	// InstanceID identifies the instance this event belongs to. Empty for
	// plane-level events (startup, wake-tick summaries).
	InstanceID string

	// Kind is the event kind: started, progress, completed, failed,
	// suspended, heartbeat, custom, or an internal plane event such as
	// "checkpoint_write" or "container_launch".
	Kind string

	// Subtype is used only for Kind=="custom" events emitted by the
	// workflow binary.
	Subtype string

	// CheckpointID optionally references the checkpoint this event relates to.
	CheckpointID string

	// Msg is a human-readable description of the event.
	Msg string

	// Payload carries the event's structured data, typically the bytes the
	// workflow binary supplied.
	Payload []byte

	// Meta contains additional structured data for observability backends.
	// Common keys: "duration_ms", "error", "termination_reason", "exit_code".
	Meta map[string]interface{}
}
