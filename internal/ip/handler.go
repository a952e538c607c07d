package ip

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/transport"
	"github.com/runtarahq/runtara/internal/wireproto"
)

// Handler builds the transport.Handler dispatching workflow-protocol frames
// (§6) to Plane's operations.
func (p *Plane) Handler() transport.Handler {
	return func(ctx context.Context, msgType string, payload []byte) (string, any, *transport.WireError) {
		switch msgType {
		case wireproto.TypeRegisterInstance:
			return p.handleRegisterInstance(ctx, payload)
		case wireproto.TypeCheckpoint:
			return p.handleCheckpoint(ctx, payload)
		case wireproto.TypeGetCheckpoint:
			return p.handleGetCheckpoint(ctx, payload)
		case wireproto.TypeSleep:
			return p.handleSleep(ctx, payload)
		case wireproto.TypePollSignals:
			return p.handlePollSignals(ctx, payload)
		case wireproto.TypeSignalAck:
			return p.handleSignalAck(ctx, payload)
		case wireproto.TypeInstanceEvent:
			return p.handleInstanceEvent(ctx, payload)
		case wireproto.TypeGetInstanceStatus:
			return p.handleGetInstanceStatus(ctx, payload)
		default:
			return "", nil, &transport.WireError{Code: "UNKNOWN_MESSAGE_TYPE", Message: msgType, Category: string(apierrors.CategoryValidation)}
		}
	}
}

func toWireError(err error) *transport.WireError {
	var f *apierrors.Fault
	if errors.As(err, &f) {
		return &transport.WireError{Code: f.Code, Message: f.Message, Category: string(f.Category), Retryable: f.Retryable}
	}
	if errors.Is(err, store.ErrNotFound) {
		return &transport.WireError{Code: "NOT_FOUND", Message: err.Error(), Category: string(apierrors.CategoryValidation)}
	}
	return &transport.WireError{Code: "INTERNAL", Message: err.Error(), Category: string(apierrors.CategoryStorage), Retryable: true}
}

func wireSignal(sig *store.PendingSignal) *wireproto.Signal {
	if sig == nil {
		return nil
	}
	return &wireproto.Signal{Kind: string(sig.Kind), Payload: sig.Payload}
}

func (p *Plane) handleRegisterInstance(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.RegisterInstanceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	_, sig, err := p.RegisterInstance(ctx, req.InstanceID, req.TenantID)
	if err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypeRegistration, wireproto.RegistrationResponse{
		InstanceID:    req.InstanceID,
		PendingSignal: wireSignal(sig),
	}, nil
}

func (p *Plane) handleCheckpoint(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.CheckpointRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}

	result, err := p.Checkpoint(ctx, checkpoint.WriteRequest{
		InstanceID:          req.InstanceID,
		ID:                  req.ID,
		State:               req.State,
		RetryAttempt:        req.RetryAttempt,
		Attempt:             req.Attempt,
		ErrorMessage:        req.ErrorMessage,
		IsCompensatable:     req.IsCompensatable,
		CompensationStep:    req.CompensationStep,
		CompensationData:    req.CompensationData,
		CompensationOrdinal: req.CompensationOrdinal,
	})
	if err != nil {
		return "", nil, toWireError(err)
	}

	resp := wireproto.CheckpointResponse{
		Replayed:                 result.Replayed,
		PendingSignal:            wireSignal(result.PendingSignal),
		PendingCheckpointPayload: result.PendingCheckpointPayload,
	}
	if result.Replayed {
		resp.ExistingState = result.Record.State
	}
	return wireproto.TypeCheckpointResponse, resp, nil
}

func (p *Plane) handleGetCheckpoint(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.GetCheckpointRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	rec, found, err := p.GetCheckpoint(ctx, req.InstanceID, req.ID)
	if err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypeGetCheckpointResp, wireproto.GetCheckpointResponse{State: rec.State, Found: found}, nil
}

func (p *Plane) handleSleep(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.SleepRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	decision, err := p.Sleep(ctx, req.InstanceID, time.Duration(req.DurationSeconds)*time.Second, req.ResumeCheckpointID, req.State)
	if err != nil {
		return "", nil, toWireError(err)
	}
	instr := wireproto.InstructionContinue
	if decision == SleepExitToSleep {
		instr = wireproto.InstructionExitToSleep
	}
	return wireproto.TypeSleepResponse, wireproto.SleepResponse{Instruction: instr}, nil
}

func (p *Plane) handlePollSignals(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.PollSignalsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	sig, err := p.PollSignals(ctx, req.InstanceID)
	if err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypePollSignalsResp, wireproto.PollSignalsResponse{Signal: wireSignal(sig)}, nil
}

func (p *Plane) handleSignalAck(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.SignalAckRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	if err := p.AckSignal(ctx, req.InstanceID); err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypeAck, wireproto.AckResponse{OK: true}, nil
}

func (p *Plane) handleInstanceEvent(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.InstanceEventRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	err := p.RecordEvent(ctx, RecordEventRequest{
		InstanceID:   req.InstanceID,
		Kind:         req.Kind,
		Subtype:      req.Subtype,
		CheckpointID: req.CheckpointID,
		Payload:      req.Payload,
		ErrorMessage: req.ErrorCode,
		ExitCode:     req.ExitCode,
	})
	if err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypeAck, wireproto.AckResponse{OK: true}, nil
}

func (p *Plane) handleGetInstanceStatus(ctx context.Context, payload []byte) (string, any, *transport.WireError) {
	var req wireproto.GetInstanceStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, badRequest(err)
	}
	inst, err := p.GetStatus(ctx, req.InstanceID)
	if err != nil {
		return "", nil, toWireError(err)
	}
	return wireproto.TypeInstanceStatus, wireproto.InstanceStatusResponse{
		InstanceID:        inst.ID,
		Status:            string(inst.Status),
		TerminationReason: string(inst.TerminationReason),
		Output:            inst.Output,
		ErrorText:         inst.ErrorText,
		ExitCode:          inst.ExitCode,
	}, nil
}

func badRequest(err error) *transport.WireError {
	return &transport.WireError{Code: "BAD_REQUEST", Message: err.Error(), Category: string(apierrors.CategoryValidation)}
}
