// Package workflowclient is the binary-side SDK surface (§6): a typed
// wrapper over transport.Client + wireproto for the handful of calls a
// workflow binary makes against the Instance Plane (register, checkpoint,
// sleep, poll signals, ack signal, record an event, read status).
//
// Grounded on the teacher's graph/checkpoint.go call shape generalized from
// in-process method calls on a Store[S] to request/response frames over a
// transport.Client, and used by this repo's own integration tests in place
// of calling ip.Plane's methods directly, exercising the real wire
// protocol end to end.
package workflowclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runtarahq/runtara/internal/transport"
	"github.com/runtarahq/runtara/internal/wireproto"
)

// Client is a thin, typed facade over transport.Client for one workflow
// instance's session with the Instance Plane.
type Client struct {
	conn *transport.Client
}

// New wraps an established transport.Client.
func New(conn *transport.Client) *Client {
	return &Client{conn: conn}
}

func call[Req, Resp any](ctx context.Context, c *Client, msgType string, req Req) (Resp, error) {
	var zero Resp
	frame, err := c.conn.Call(ctx, msgType, req)
	if err != nil {
		return zero, err
	}
	if frame.Err != nil {
		return zero, fmt.Errorf("workflowclient: %s: %w", frame.Err.Code, frame.Err)
	}
	var resp Resp
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return zero, fmt.Errorf("workflowclient: decode %s response: %w", msgType, err)
		}
	}
	return resp, nil
}

// RegisterInstance announces the instance is starting (or resuming after a
// relaunch), optionally carrying the last checkpoint id it observed before
// its previous exit.
func (c *Client) RegisterInstance(ctx context.Context, instanceID, tenantID, resumeCursor string) (wireproto.RegistrationResponse, error) {
	return call[wireproto.RegisterInstanceRequest, wireproto.RegistrationResponse](ctx, c, wireproto.TypeRegisterInstance, wireproto.RegisterInstanceRequest{
		InstanceID:   instanceID,
		TenantID:     tenantID,
		ResumeCursor: resumeCursor,
	})
}

// Checkpoint durably persists state under id, at most once (§4.2).
func (c *Client) Checkpoint(ctx context.Context, req wireproto.CheckpointRequest) (wireproto.CheckpointResponse, error) {
	return call[wireproto.CheckpointRequest, wireproto.CheckpointResponse](ctx, c, wireproto.TypeCheckpoint, req)
}

// GetCheckpoint reads a previously written checkpoint, if any.
func (c *Client) GetCheckpoint(ctx context.Context, instanceID, id string) (wireproto.GetCheckpointResponse, error) {
	return call[wireproto.GetCheckpointRequest, wireproto.GetCheckpointResponse](ctx, c, wireproto.TypeGetCheckpoint, wireproto.GetCheckpointRequest{
		InstanceID: instanceID, ID: id,
	})
}

// Sleep requests a durable sleep of the given duration, resumable at
// resumeCheckpointID (§4.4). The returned instruction tells the binary
// whether to keep running (short sleep, handled in-process) or exit
// immediately to let the wake scheduler relaunch it later.
func (c *Client) Sleep(ctx context.Context, instanceID string, d time.Duration, resumeCheckpointID string, state []byte) (wireproto.SleepInstruction, error) {
	resp, err := call[wireproto.SleepRequest, wireproto.SleepResponse](ctx, c, wireproto.TypeSleep, wireproto.SleepRequest{
		InstanceID:         instanceID,
		DurationSeconds:    int64(d / time.Second),
		ResumeCheckpointID: resumeCheckpointID,
		State:              state,
	})
	return resp.Instruction, err
}

// PollSignals long-polls for a pending control signal (§4.1/§9).
func (c *Client) PollSignals(ctx context.Context, instanceID string) (*wireproto.Signal, error) {
	resp, err := call[wireproto.PollSignalsRequest, wireproto.PollSignalsResponse](ctx, c, wireproto.TypePollSignals, wireproto.PollSignalsRequest{
		InstanceID: instanceID,
	})
	return resp.Signal, err
}

// AckSignal clears a previously observed control signal from the pending
// queue so it is not re-delivered.
func (c *Client) AckSignal(ctx context.Context, instanceID string) error {
	_, err := call[wireproto.SignalAckRequest, wireproto.AckResponse](ctx, c, wireproto.TypeSignalAck, wireproto.SignalAckRequest{
		InstanceID: instanceID,
	})
	return err
}

// RecordEvent reports a lifecycle event (heartbeat/custom/completed/failed/
// suspended). Always request/response (§4.8): a binary must not exit before
// this acknowledgement arrives, or a terminal event sent right before exit
// could be lost.
func (c *Client) RecordEvent(ctx context.Context, req wireproto.InstanceEventRequest) error {
	_, err := call[wireproto.InstanceEventRequest, wireproto.AckResponse](ctx, c, wireproto.TypeInstanceEvent, req)
	return err
}

// GetInstanceStatus reads IP's current view of the instance.
func (c *Client) GetInstanceStatus(ctx context.Context, instanceID string) (wireproto.InstanceStatusResponse, error) {
	return call[wireproto.GetInstanceStatusRequest, wireproto.InstanceStatusResponse](ctx, c, wireproto.TypeGetInstanceStatus, wireproto.GetInstanceStatusRequest{
		InstanceID: instanceID,
	})
}

// Close ends the session.
func (c *Client) Close() error { return c.conn.Close() }
