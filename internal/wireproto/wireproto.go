// Package wireproto defines the workflow protocol (binary ↔ IP) message
// types of §6: the tagged-union request/response variants carried as
// transport.Frame payloads. Each Go struct here is one variant; the
// frame's Type string names which one.
package wireproto

// Message type tags, used as transport.Frame.Type.
const (
	TypeRegisterInstance   = "register_instance"
	TypeRegistration       = "registration"
	TypeCheckpoint         = "checkpoint"
	TypeCheckpointResponse = "checkpoint_response"
	TypeGetCheckpoint      = "get_checkpoint"
	TypeGetCheckpointResp  = "get_checkpoint_response"
	TypeSleep              = "sleep"
	TypeSleepResponse      = "sleep_response"
	TypePollSignals        = "poll_signals"
	TypePollSignalsResp    = "poll_signals_response"
	TypeSignalAck          = "signal_ack"
	TypeInstanceEvent      = "instance_event"
	TypeAck                = "ack"
	TypeGetInstanceStatus  = "get_instance_status"
	TypeInstanceStatus     = "instance_status"
)

// RegisterInstanceRequest identifies the instance a binary is starting or
// resuming, carrying an optional resume cursor (the last checkpoint id the
// binary observed before its previous exit).
type RegisterInstanceRequest struct {
	InstanceID   string `json:"instance_id"`
	TenantID     string `json:"tenant_id"`
	ResumeCursor string `json:"resume_cursor,omitempty"`
}

// RegistrationResponse acknowledges registration, optionally carrying the
// single pending control signal per §9's open-question resolution
// ("permitted but not required").
type RegistrationResponse struct {
	InstanceID     string  `json:"instance_id"`
	PendingSignal  *Signal `json:"pending_signal,omitempty"`
}

// Signal is the wire form of a pending control signal.
type Signal struct {
	Kind    string `json:"kind"` // cancel | pause | resume
	Payload []byte `json:"payload,omitempty"`
}

// CheckpointRequest is the primary durability primitive's input (§4.2).
type CheckpointRequest struct {
	InstanceID string `json:"instance_id"`
	ID         string `json:"id"`
	State      []byte `json:"state"`

	RetryAttempt bool   `json:"retry_attempt,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	IsCompensatable     bool   `json:"is_compensatable,omitempty"`
	CompensationStep    string `json:"compensation_step,omitempty"`
	CompensationData    []byte `json:"compensation_data,omitempty"`
	CompensationOrdinal int    `json:"compensation_ordinal,omitempty"`
}

// CheckpointResponse is the at-most-once write's output.
type CheckpointResponse struct {
	ExistingState        []byte  `json:"existing_state,omitempty"`
	Replayed              bool   `json:"replayed"`
	PendingSignal         *Signal `json:"pending_signal,omitempty"`
	PendingCheckpointPayload []byte `json:"pending_checkpoint_payload,omitempty"`
}

// GetCheckpointRequest is the read-only lookup.
type GetCheckpointRequest struct {
	InstanceID string `json:"instance_id"`
	ID         string `json:"id"`
}

// GetCheckpointResponse carries the prior state, if any.
type GetCheckpointResponse struct {
	State []byte `json:"state,omitempty"`
	Found bool   `json:"found"`
}

// SleepRequest is a durable-sleep request (§4.4).
type SleepRequest struct {
	InstanceID         string `json:"instance_id"`
	DurationSeconds    int64  `json:"duration_seconds"`
	ResumeCheckpointID string `json:"resume_checkpoint_id"`
	State              []byte `json:"state"`
}

// SleepInstruction tells the binary how to proceed after a sleep request.
type SleepInstruction string

const (
	InstructionContinue    SleepInstruction = "continue"
	InstructionExitToSleep SleepInstruction = "exit_to_sleep"
)

// SleepResponse carries the instruction the binary must honor.
type SleepResponse struct {
	Instruction SleepInstruction `json:"instruction"`
}

// PollSignalsRequest long-polls for a pending control signal.
type PollSignalsRequest struct {
	InstanceID string `json:"instance_id"`
}

// PollSignalsResponse carries the signal, if one arrived within the poll
// window.
type PollSignalsResponse struct {
	Signal *Signal `json:"signal,omitempty"`
}

// SignalAckRequest acknowledges a previously observed control signal,
// clearing it from the pending queue.
type SignalAckRequest struct {
	InstanceID string `json:"instance_id"`
}

// InstanceEventRequest is one of heartbeat, custom, completed, failed,
// suspended — always request/response per §4.8's "fire-and-forget is
// disallowed" rule, to avoid losing a terminal event sent right before
// process exit.
type InstanceEventRequest struct {
	InstanceID   string `json:"instance_id"`
	Kind         string `json:"kind"`
	Subtype      string `json:"subtype,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Payload      []byte `json:"payload,omitempty"`

	// ExitCode is carried on "completed"/"failed" events so IP can record it
	// even when the binary exits immediately after the round trip completes.
	ExitCode *int `json:"exit_code,omitempty"`

	// ErrorCode is stored as the instance's error text on a "failed" event.
	// ErrorCategory and ErrorSeverity are accepted but not stored; no
	// structured error record is kept for the instance.
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorSeverity string `json:"error_severity,omitempty"`
}

// AckResponse is the generic "persisted" acknowledgement for events and
// signal acks.
type AckResponse struct {
	OK bool `json:"ok"`
}

// GetInstanceStatusRequest asks IP for the current view of an instance.
type GetInstanceStatusRequest struct {
	InstanceID string `json:"instance_id"`
}

// InstanceStatusResponse mirrors the Instance entity's externally visible
// fields (§7's "every instance exposes a final status...").
type InstanceStatusResponse struct {
	InstanceID        string `json:"instance_id"`
	Status            string `json:"status"`
	TerminationReason string `json:"termination_reason,omitempty"`
	Output            []byte `json:"output,omitempty"`
	ErrorText         string `json:"error_text,omitempty"`
	ExitCode          *int   `json:"exit_code,omitempty"`
}
