// Package signalqueue wraps store.Signals with the control-signal
// precedence rule (§4.3): cancel supersedes pause, resume only applies
// over a pending pause, and the checkpoint-id rendezvous queue used to
// deliver a signal alongside a specific checkpoint response.
//
// The precedence logic itself already lives in each store.Storage
// backend's SendSignal (it has to be atomic with the read, so it can't be
// pulled out into a store-agnostic layer without a race). This package is
// the client-facing surface both planes call through, and the place the
// delivery-on-checkpoint-response policy (§4.3's "signals are attached to
// the next checkpoint response, or returned by poll_signals if none
// arrives within the poll window") is implemented.
package signalqueue

import (
	"context"
	"time"

	"github.com/runtarahq/runtara/internal/store"
)

// Queue is the signal-delivery facade used by the Instance Plane's
// transport handlers.
type Queue struct {
	st store.Signals
}

// New builds a Queue over a Storage's Signals surface.
func New(st store.Signals) *Queue {
	return &Queue{st: st}
}

// Cancel requests that an instance stop at its next checkpoint.
func (q *Queue) Cancel(ctx context.Context, instanceID string) error {
	return q.st.SendSignal(ctx, instanceID, store.SignalCancel, nil)
}

// Pause requests that an instance suspend at its next checkpoint rather
// than continue.
func (q *Queue) Pause(ctx context.Context, instanceID string) error {
	return q.st.SendSignal(ctx, instanceID, store.SignalPause, nil)
}

// Resume lifts a pending pause, or a paused instance's suspension.
func (q *Queue) Resume(ctx context.Context, instanceID string) error {
	return q.st.SendSignal(ctx, instanceID, store.SignalResume, nil)
}

// Deliverable returns the instance's single pending control signal without
// acknowledging it — callers attach it to the next outgoing checkpoint
// response and only call Acknowledge once the binary has confirmed receipt
// (an explicit signal_ack, or the "suspended" event that answers a pause),
// so a signal is never silently dropped by a crash between send and ack.
func (q *Queue) Deliverable(ctx context.Context, instanceID string) (store.PendingSignal, bool, error) {
	return q.st.PeekSignal(ctx, instanceID)
}

// Acknowledge clears the pending control signal once the binary has
// incorporated it. The Instance Plane calls it on signal_ack and on a
// "suspended" event; a checkpoint or poll_signals call does not ack.
func (q *Queue) Acknowledge(ctx context.Context, instanceID string) error {
	return q.st.AcknowledgeSignal(ctx, instanceID)
}

// PollWindow is how long PollSignals blocks waiting for a signal to arrive
// before returning empty, matching the wire protocol's poll_signals
// long-poll behavior (§6).
const PollWindow = 25 * time.Second

// PollSignals long-polls for a pending control signal, returning as soon as
// one arrives or the poll window elapses, whichever is first. It does not
// acknowledge the signal.
func (q *Queue) PollSignals(ctx context.Context, instanceID string) (store.PendingSignal, bool, error) {
	deadline := time.Now().Add(PollWindow)
	const pollInterval = 200 * time.Millisecond

	for {
		sig, ok, err := q.st.PeekSignal(ctx, instanceID)
		if err != nil {
			return store.PendingSignal{}, false, err
		}
		if ok {
			return sig, true, nil
		}
		if time.Now().After(deadline) {
			return store.PendingSignal{}, false, nil
		}

		select {
		case <-ctx.Done():
			return store.PendingSignal{}, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SendForCheckpoint queues a payload for a specific (instance, checkpoint)
// rendezvous, used when an external caller wants to hand data to a binary
// that is specifically blocked waiting at a named checkpoint (e.g. a human
// approval step) rather than the general control-signal queue.
func (q *Queue) SendForCheckpoint(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	return q.st.SendCheckpointSignal(ctx, instanceID, checkpointID, payload)
}

// TakeForCheckpoint atomically reads and clears the payload queued for a
// specific checkpoint rendezvous, if any.
func (q *Queue) TakeForCheckpoint(ctx context.Context, instanceID, checkpointID string) ([]byte, bool, error) {
	return q.st.TakeCheckpointSignal(ctx, instanceID, checkpointID)
}
