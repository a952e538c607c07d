// Package ip implements the Instance Plane (§2, §4.1-§4.4): the workflow
// protocol request handlers that serve checkpoint, durable-sleep,
// lifecycle-event, and signal poll/ack calls from a connected workflow
// binary, backed by internal/store, internal/checkpoint, internal/instance,
// and internal/signalqueue.
package ip

import (
	"context"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/idgen"
	"github.com/runtarahq/runtara/internal/instance"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
)

// Plane is the Instance Plane: the set of operations a connected workflow
// binary drives over the wire transport.
type Plane struct {
	Store    store.Storage
	Signals  *signalqueue.Queue
	Emitter  emit.Emitter
	Metrics  *metrics.Collector

	// SleepThreshold is the durable-sleep cutoff (§4.4): requests for a
	// shorter duration block in-process instead of suspending the instance.
	SleepThreshold time.Duration

	// Now is a seam for tests; production leaves it nil and callers use
	// time.Now.
	Now func() time.Time
}

func (p *Plane) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Plane) emit(ev emit.Event) {
	if p.Emitter != nil {
		p.Emitter.Emit(ev)
	}
}

// RegisterInstance begins (or resumes) a workflow session: it transitions
// a pending instance to running, bumping the attempt counter on a relaunch
// after a crash or wake, and returns the instance's single pending control
// signal as a best-effort convenience (§9: permitted, not required).
func (p *Plane) RegisterInstance(ctx context.Context, instanceID, tenantID string) (store.Instance, *store.PendingSignal, error) {
	inst, err := p.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return store.Instance{}, nil, err
	}
	if tenantID != "" && inst.Tenant != tenantID {
		return store.Instance{}, nil, apierrors.New(apierrors.CategoryValidation, "tenant_mismatch",
			fmt.Sprintf("instance %s does not belong to tenant %s", instanceID, tenantID))
	}

	switch inst.Status {
	case store.StatusPending:
		inst, err = instance.Transition(inst, store.StatusRunning, "", p.now())
	case store.StatusSuspended, store.StatusRunning:
		// Relaunch after sleep/pause, or a reconnecting binary on the same
		// attempt; both are legal re-entries into running.
		inst, err = instance.Transition(inst, store.StatusRunning, "", p.now())
		inst = instance.NextAttempt(inst)
		inst.SleepUntil = nil
	default:
		return store.Instance{}, nil, apierrors.Wrap(apierrors.CategoryState, "invalid_transition",
			fmt.Sprintf("instance %s is already terminal (%s)", instanceID, inst.Status), apierrors.ErrInvalidTransition)
	}
	if err != nil {
		return store.Instance{}, nil, err
	}

	now := p.now()
	if inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	if err := p.Store.UpdateInstance(ctx, inst); err != nil {
		return store.Instance{}, nil, err
	}

	p.emit(emit.Event{InstanceID: instanceID, Kind: "started"})
	p.touchHeartbeat(ctx, instanceID)

	var pending *store.PendingSignal
	if sig, ok, err := p.Signals.Deliverable(ctx, instanceID); err == nil && ok {
		pending = &sig
	}
	return inst, pending, nil
}

// CheckpointResult is the decoded form of a checkpoint call's outcome,
// shaped for the wireproto layer to serialize.
type CheckpointResult struct {
	Record                  checkpoint.Record
	Replayed                bool
	PendingSignal            *store.PendingSignal
	PendingCheckpointPayload []byte
}

// Checkpoint implements the at-most-once durability primitive (§4.2): the
// first call for a fresh (instance, checkpoint id) persists state; every
// later call with the same key returns the originally stored bytes
// unchanged. The response also attaches any queued control signal and any
// payload queued specifically for this checkpoint id's rendezvous.
func (p *Plane) Checkpoint(ctx context.Context, req checkpoint.WriteRequest) (CheckpointResult, error) {
	rec, replayed, err := p.Store.WriteCheckpoint(ctx, req)
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("write checkpoint: %w", err)
	}

	outcome := "fresh"
	switch {
	case req.RetryAttempt:
		outcome = "retry_audit"
	case replayed:
		outcome = "replayed"
		if inst, err := p.Store.GetInstance(ctx, req.InstanceID); err == nil {
			p.Metrics.ObserveCheckpointReplay(inst.Tenant)
		}
	}
	p.Metrics.ObserveCheckpointWrite(outcome)

	result := CheckpointResult{Record: rec, Replayed: replayed}

	if sig, ok, err := p.Signals.Deliverable(ctx, req.InstanceID); err == nil && ok {
		result.PendingSignal = &sig
		p.Metrics.ObserveSignalDelivery(string(sig.Kind))
	}
	if payload, ok, err := p.Signals.TakeForCheckpoint(ctx, req.InstanceID, req.ID); err == nil && ok {
		result.PendingCheckpointPayload = payload
	}

	p.touchHeartbeat(ctx, req.InstanceID)
	return result, nil
}

// GetCheckpoint is the read-only lookup; it never mutates.
func (p *Plane) GetCheckpoint(ctx context.Context, instanceID, id string) (checkpoint.Record, bool, error) {
	rec, err := p.Store.GetCheckpoint(ctx, instanceID, id)
	if err != nil {
		if err == store.ErrNotFound {
			return checkpoint.Record{}, false, nil
		}
		return checkpoint.Record{}, false, err
	}
	return rec, true, nil
}

// SleepDecision tells the caller which wire instruction to send back.
type SleepDecision string

const (
	SleepContinue    SleepDecision = "continue"
	SleepExitToSleep SleepDecision = "exit_to_sleep"
)

// Sleep implements the durable-sleep contract (§4.4). Durations under the
// configured threshold block the caller in-process for the remaining
// duration and return SleepContinue; longer durations persist the
// resumption checkpoint, suspend the instance, and return SleepExitToSleep
// so the caller can instruct the binary to exit 0.
func (p *Plane) Sleep(ctx context.Context, instanceID string, duration time.Duration, resumeCheckpointID string, state []byte) (SleepDecision, error) {
	if duration < p.SleepThreshold {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return SleepContinue, nil
	}

	if _, _, err := p.Store.WriteCheckpoint(ctx, checkpoint.WriteRequest{
		InstanceID: instanceID,
		ID:         resumeCheckpointID,
		State:      state,
	}); err != nil {
		return "", fmt.Errorf("persist sleep checkpoint: %w", err)
	}

	inst, err := p.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	now := p.now()
	inst, err = instance.Transition(inst, store.StatusSuspended, store.ReasonSleeping, now)
	if err != nil {
		return "", err
	}
	sleepUntil := now.Add(duration)
	inst.SleepUntil = &sleepUntil
	inst.TerminationReason = store.ReasonSleeping // suspended, not terminal; reused as the suspend-reason tag
	inst.FinishedAt = nil                         // suspension is not termination
	if err := p.Store.UpdateInstance(ctx, inst); err != nil {
		return "", err
	}

	p.emit(emit.Event{InstanceID: instanceID, Kind: "suspended", Meta: map[string]interface{}{"reason": "sleeping", "sleep_until": sleepUntil}})
	p.Metrics.SetSuspendedInstances(inst.Tenant, "sleeping", 1)
	return SleepExitToSleep, nil
}

// PollSignals long-polls for the instance's pending control signal.
func (p *Plane) PollSignals(ctx context.Context, instanceID string) (*store.PendingSignal, error) {
	sig, ok, err := p.Signals.PollSignals(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

// AckSignal acknowledges and clears the instance's pending control signal.
func (p *Plane) AckSignal(ctx context.Context, instanceID string) error {
	return p.Signals.Acknowledge(ctx, instanceID)
}

// RecordEvent appends an instance event and, for the terminal/suspend
// kinds, drives the §4.1 lifecycle transition. It is the sole path a
// "completed", "failed", or "suspended" report from the binary takes to
// reach the Instance row (§4.1's "binary calls completed/failed, each
// acknowledged by IP").
func (p *Plane) RecordEvent(ctx context.Context, req RecordEventRequest) error {
	ev := store.InstanceEvent{
		ID:           idgen.New(),
		InstanceID:   req.InstanceID,
		Kind:         req.Kind,
		Subtype:      req.Subtype,
		CheckpointID: req.CheckpointID,
		Payload:      req.Payload,
		CreatedAt:    p.now(),
	}
	if err := p.Store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	p.emit(store.InstanceEventToEmitEvent(ev))
	p.touchHeartbeat(ctx, req.InstanceID)

	switch req.Kind {
	case "completed":
		return p.finish(ctx, req.InstanceID, store.StatusCompleted, store.ReasonCompleted, req.Payload, "", req.ExitCode)
	case "failed":
		reason := store.ReasonApplicationError
		if req.Subtype == "cancelled_by_user" {
			return p.finish(ctx, req.InstanceID, store.StatusCancelled, store.ReasonCancelled, nil, req.ErrorMessage, req.ExitCode)
		}
		return p.finish(ctx, req.InstanceID, store.StatusFailed, reason, nil, req.ErrorMessage, req.ExitCode)
	case "suspended":
		return p.ackPauseSuspend(ctx, req.InstanceID)
	case "heartbeat", "custom":
		return nil
	default:
		return nil
	}
}

// RecordEventRequest carries the decoded instance_event call.
type RecordEventRequest struct {
	InstanceID   string
	Kind         string
	Subtype      string
	CheckpointID string
	Payload      []byte
	ErrorMessage string
	ExitCode     *int
}

func (p *Plane) finish(ctx context.Context, instanceID string, status store.InstanceStatus, reason store.TerminationReason, output []byte, errText string, exitCode *int) error {
	inst, err := p.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst, err = instance.Transition(inst, status, reason, p.now())
	if err != nil {
		return err
	}
	if output != nil {
		inst.Output = output
	}
	if errText != "" {
		inst.ErrorText = errText
	}
	if exitCode != nil {
		inst.ExitCode = exitCode
	}
	if err := p.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	p.Metrics.ObserveTermination(string(reason))
	return nil
}

// ackPauseSuspend handles a binary's clean "suspended" acknowledgement of a
// pause signal (§4.1: running -> suspended(paused)).
func (p *Plane) ackPauseSuspend(ctx context.Context, instanceID string) error {
	inst, err := p.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst, err = instance.Transition(inst, store.StatusSuspended, store.ReasonPaused, p.now())
	if err != nil {
		return err
	}
	inst.TerminationReason = store.ReasonPaused // suspended, not terminal; the suspend-reason tag
	inst.FinishedAt = nil                       // paused is not terminal
	if err := p.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	if err := p.Signals.Acknowledge(ctx, instanceID); err != nil {
		return err
	}
	p.Metrics.SetSuspendedInstances(inst.Tenant, "paused", 1)
	return nil
}

// GetStatus returns the current externally-visible view of an instance.
func (p *Plane) GetStatus(ctx context.Context, instanceID string) (store.Instance, error) {
	return p.Store.GetInstance(ctx, instanceID)
}

func (p *Plane) touchHeartbeat(ctx context.Context, instanceID string) {
	c, ok, err := p.Store.GetContainerByInstance(ctx, instanceID)
	if err != nil || !ok {
		return
	}
	_ = p.Store.TouchHeartbeat(ctx, c.ID)
}
