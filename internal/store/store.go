package store

import (
	"context"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/emit"
)

// ErrNotFound is returned when a requested row does not exist. Re-exported
// from apierrors so store callers can use either package's sentinel
// interchangeably via errors.Is.
var ErrNotFound = apierrors.ErrNotFound

// Pagination bounds a list query.
type Pagination struct {
	Offset int
	Limit  int
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Tenant  string
	Status  InstanceStatus
	ImageID string
	Since   *int64 // unix seconds, inclusive
	Until   *int64 // unix seconds, exclusive
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	InstanceID    string
	Kind          string
	Subtype       string
	Since, Until  *int64
	PayloadSubstr string
}

// Instances covers the Instance entity's CRUD and listing surface.
type Instances interface {
	CreateInstance(ctx context.Context, inst Instance) error
	GetInstance(ctx context.Context, id string) (Instance, error)
	UpdateInstance(ctx context.Context, inst Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter, page Pagination) ([]Instance, error)

	// DueForWake returns suspended instances whose sleep_until has passed,
	// ascending by sleep_until, capped at limit — the wake scheduler's
	// selection query.
	DueForWake(ctx context.Context, now int64, limit int) ([]Instance, error)
}

// Checkpoints covers the at-most-once checkpoint write/read contract.
type Checkpoints interface {
	// WriteCheckpoint performs the fresh-key write. If a non-retry row
	// already exists for (instanceID, id), it returns that row unmodified
	// with Replayed=true instead of overwriting it. Retry-audit rows
	// (req.RetryAttempt) are always appended and never satisfy this
	// at-most-once check.
	WriteCheckpoint(ctx context.Context, req checkpoint.WriteRequest) (rec checkpoint.Record, replayed bool, err error)

	// GetCheckpoint is the read-only lookup; it never mutates.
	GetCheckpoint(ctx context.Context, instanceID, id string) (checkpoint.Record, error)

	// ListCheckpoints returns every checkpoint row for an instance, retry-
	// audit rows included, in insertion (sequence) order. Compensation walks
	// pass the result to checkpoint.CompensationPlan, which drops retry rows.
	ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Record, error)
}

// Signals covers both pending-signal queues.
type Signals interface {
	// SendSignal upserts the single pending control signal for an instance,
	// applying the cancel > pause precedence and the pause->resume arrival
	// rule (§4.3) atomically.
	SendSignal(ctx context.Context, instanceID string, kind SignalKind, payload []byte) error

	// PeekSignal returns the pending control signal without acknowledging it.
	PeekSignal(ctx context.Context, instanceID string) (PendingSignal, bool, error)

	// AcknowledgeSignal removes the pending control signal.
	AcknowledgeSignal(ctx context.Context, instanceID string) error

	// SendCheckpointSignal queues a payload for a specific checkpoint-id rendezvous.
	SendCheckpointSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error

	// TakeCheckpointSignal atomically reads and removes the payload queued
	// for (instanceID, checkpointID), if any.
	TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) ([]byte, bool, error)
}

// Events covers the append-only instance event log plus a transactional
// outbox: AppendEvent enqueues each event, PendingEvents lists those not
// yet marked, and MarkEventsEmitted marks them. No loop in this repository
// drains the outbox into an Emitter.
type Events interface {
	AppendEvent(ctx context.Context, ev InstanceEvent) error
	ListEvents(ctx context.Context, filter EventFilter, page Pagination) ([]InstanceEvent, error)

	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error
}

// Images covers the image registry's persistence needs.
type Images interface {
	CreateImage(ctx context.Context, img Image) error
	GetImage(ctx context.Context, id string) (Image, error)
	GetImageByContentHash(ctx context.Context, tenant, sha256 string) (Image, bool, error)
	ListImages(ctx context.Context, tenant string, page Pagination) ([]Image, error)
	DeleteImage(ctx context.Context, id string) error
	HasLiveInstances(ctx context.Context, imageID string) (bool, error)
}

// Containers covers the supervisor's liveness table.
type Containers interface {
	UpsertContainer(ctx context.Context, c ContainerRecord) error
	GetContainerByInstance(ctx context.Context, instanceID string) (ContainerRecord, bool, error)
	TouchHeartbeat(ctx context.Context, containerID string) error
	ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]ContainerRecord, error)
	DeleteContainer(ctx context.Context, containerID string) error
}

// Storage is the full persistence surface shared by both planes: one
// relational store backs Instances, Checkpoints, Signals, Events, Images,
// and Containers together, so that an instance's status transition and its
// checkpoint write are never split across two different databases.
type Storage interface {
	Instances
	Checkpoints
	Signals
	Events
	Images
	Containers

	Close() error
	Ping(ctx context.Context) error
}
