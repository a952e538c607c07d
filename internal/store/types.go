// Package store provides persistence for both planes: images, instances,
// checkpoints, pending signals, instance events, and container records,
// behind a single Storage interface with at least two backends (an
// embedded file store and a relational server store), per the "Dynamic
// dispatch for storage and runner" design note.
//
// Adapted from the teacher's graph/store package: the same Store[S]
// interface shape (step/checkpoint persistence plus a transactional
// outbox for events) generalized from a single generic workflow-state type
// to the full entity set of a durable execution platform.
package store

import (
	"time"

	"github.com/runtarahq/runtara/internal/checkpoint"
)

// InstanceStatus is the lifecycle state of an Instance (see §4.1).
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusSuspended InstanceStatus = "suspended"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether s is one of the absorbing terminal states.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminationReason classifies how an instance reached (or is heading
// toward) a terminal state.
type TerminationReason string

const (
	ReasonCompleted        TerminationReason = "completed"
	ReasonApplicationError TerminationReason = "application_error"
	ReasonCrashed          TerminationReason = "crashed"
	ReasonTimeout          TerminationReason = "timeout"
	ReasonHeartbeatTimeout TerminationReason = "heartbeat_timeout"
	ReasonCancelled        TerminationReason = "cancelled"
	ReasonPaused           TerminationReason = "paused"
	ReasonSleeping         TerminationReason = "sleeping"
)

// Instance is the Instance entity of the data model.
type Instance struct {
	ID     string
	Tenant string
	ImageID string

	Status            InstanceStatus
	TerminationReason TerminationReason

	CheckpointCursor string
	Attempt          int
	MaxAttempts      int

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	SleepUntil *time.Time

	Input  []byte
	Output []byte

	ErrorText  string
	StderrText string
	ExitCode   *int

	PeakMemoryBytes uint64
	CPUMicros       uint64
}

// Image is the Image entity: a registered, content-addressed workflow
// binary.
type Image struct {
	ID        string
	Tenant    string
	Name      string
	SHA256    string
	BinaryRef string
	BundlePath string
	RunnerKind string // "oci" | "mock"
	CreatedAt time.Time
	Metadata  map[string]string
}

// SignalKind enumerates control-signal kinds.
type SignalKind string

const (
	SignalCancel SignalKind = "cancel"
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
)

// PendingSignal is the single queued control signal for an instance.
type PendingSignal struct {
	InstanceID   string
	Kind         SignalKind
	Payload      []byte
	CreatedAt    time.Time
	AcknowledgedAt *time.Time
}

// PendingCheckpointSignal targets a specific checkpoint-id rendezvous.
type PendingCheckpointSignal struct {
	InstanceID   string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
}

// InstanceEvent is an append-only log entry for an instance.
type InstanceEvent struct {
	ID           string
	InstanceID   string
	Kind         string
	Subtype      string
	CheckpointID string
	Payload      []byte
	CreatedAt    time.Time
}

// ContainerStatus is the lifecycle state of a supervised container.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerFailed  ContainerStatus = "failed"
)

// ContainerRecord is the supervisor's view of one instance's container.
type ContainerRecord struct {
	ID             string
	InstanceID     string
	BundlePath     string
	Status         ContainerStatus
	PID            int
	LastHeartbeat  time.Time
	Timeout        time.Duration
	ExitCode       *int
	ProcessKilled  bool
}

// CheckpointRecord re-exports checkpoint.Record for store-layer signatures
// so callers don't need to import both packages for the common case.
type CheckpointRecord = checkpoint.Record
