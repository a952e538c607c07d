package ip_test

import (
	"context"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/ip"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

func newPlane(t *testing.T) (*ip.Plane, store.Storage) {
	t.Helper()
	st := store.NewMemoryStore()
	return &ip.Plane{
		Store:          st,
		Signals:        signalqueue.New(st),
		Metrics:        metrics.New(prometheus.NewRegistry()),
		SleepThreshold: 5 * time.Second,
	}, st
}

func mustCreate(t *testing.T, st store.Storage, id, tenant string) {
	t.Helper()
	if err := st.CreateInstance(context.Background(), store.Instance{
		ID: id, Tenant: tenant, Status: store.StatusPending, CreatedAt: time.Now(), MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
}

// Scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i1", "t1")

	if _, _, err := p.RegisterInstance(ctx, "i1", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i1", ID: "k1", State: []byte{0x01}})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if result.Replayed {
		t.Errorf("first checkpoint should not be replayed")
	}

	if err := p.RecordEvent(ctx, ip.RecordEventRequest{InstanceID: "i1", Kind: "completed", Payload: []byte(`{"n":3,"done":true}`)}); err != nil {
		t.Fatalf("record completed: %v", err)
	}

	inst, err := p.GetStatus(ctx, "i1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", inst.Status)
	}
	if inst.TerminationReason != store.ReasonCompleted {
		t.Errorf("termination reason = %s, want completed", inst.TerminationReason)
	}
	if string(inst.Output) != `{"n":3,"done":true}` {
		t.Errorf("output = %s", inst.Output)
	}

	rec, found, err := p.GetCheckpoint(ctx, "i1", "k1")
	if err != nil || !found {
		t.Fatalf("get checkpoint: found=%v err=%v", found, err)
	}
	if rec.State[0] != 0x01 {
		t.Errorf("checkpoint state = %v", rec.State)
	}
}

// Scenario 2 (crash-and-replay prefix): replaying a checkpoint call
// returns the original bytes.
func TestCheckpointReplay(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i2", "t1")
	if _, _, err := p.RegisterInstance(ctx, "i2", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i2", ID: "k1", State: []byte{0x11}})
	if err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first call should not be replayed")
	}

	second, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i2", ID: "k1", State: []byte{0xFF}})
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("second call with the same key should be replayed")
	}
	if len(second.Record.State) != 1 || second.Record.State[0] != 0x11 {
		t.Fatalf("replayed state = %v, want [0x11] (original bytes, not the new attempt's)", second.Record.State)
	}
}

// Scenario 3: durable sleep, relaunch, resume-checkpoint replay.
func TestDurableSleepAndWake(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i3", "t1")
	if _, _, err := p.RegisterInstance(ctx, "i3", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	decision, err := p.Sleep(ctx, "i3", 90*time.Second, "after_sleep", []byte{0x22})
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if decision != ip.SleepExitToSleep {
		t.Fatalf("decision = %v, want exit_to_sleep", decision)
	}

	inst, err := st.GetInstance(ctx, "i3")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != store.StatusSuspended {
		t.Errorf("status = %s, want suspended", inst.Status)
	}
	if inst.SleepUntil == nil {
		t.Fatalf("sleep_until should be set")
	}

	due, err := st.DueForWake(ctx, inst.SleepUntil.Add(time.Second).Unix(), 10)
	if err != nil {
		t.Fatalf("due for wake: %v", err)
	}
	if len(due) != 1 || due[0].ID != "i3" {
		t.Fatalf("expected i3 due for wake, got %+v", due)
	}

	// Relaunch: re-register, then re-issue the resume checkpoint and observe
	// the original bytes come back.
	if _, _, err := p.RegisterInstance(ctx, "i3", "t1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	result, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i3", ID: "after_sleep", State: []byte{0x00}})
	if err != nil {
		t.Fatalf("resume checkpoint: %v", err)
	}
	if !result.Replayed || len(result.Record.State) != 1 || result.Record.State[0] != 0x22 {
		t.Fatalf("resume checkpoint result = %+v, want replayed [0x22]", result)
	}

	if err := p.RecordEvent(ctx, ip.RecordEventRequest{InstanceID: "i3", Kind: "completed", Payload: []byte("done")}); err != nil {
		t.Fatalf("record completed: %v", err)
	}
	final, err := p.GetStatus(ctx, "i3")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
}

// Sleep below the configured threshold blocks in-process and never
// suspends the instance (§8 boundary behaviour).
func TestSleepBelowThresholdBlocksInProcess(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i3b", "t1")
	if _, _, err := p.RegisterInstance(ctx, "i3b", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	decision, err := p.Sleep(ctx, "i3b", 20*time.Millisecond, "cp", nil)
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if decision != ip.SleepContinue {
		t.Fatalf("decision = %v, want continue", decision)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("sleep returned before the requested duration elapsed")
	}

	inst, err := st.GetInstance(ctx, "i3b")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != store.StatusRunning {
		t.Errorf("status = %s, want running (in-process sleep must not suspend)", inst.Status)
	}
}

// Scenario 4: cancel mid-run.
func TestCancelMidRun(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i4", "t1")
	if _, _, err := p.RegisterInstance(ctx, "i4", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.Signals.Cancel(ctx, "i4"); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	result, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i4", ID: "k1", State: []byte("x")})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if result.PendingSignal == nil || result.PendingSignal.Kind != store.SignalCancel {
		t.Fatalf("pending signal = %+v, want cancel", result.PendingSignal)
	}

	if err := p.RecordEvent(ctx, ip.RecordEventRequest{InstanceID: "i4", Kind: "failed", Subtype: "cancelled_by_user"}); err != nil {
		t.Fatalf("record failed/cancelled: %v", err)
	}

	inst, err := p.GetStatus(ctx, "i4")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", inst.Status)
	}
	if inst.TerminationReason != store.ReasonCancelled {
		t.Errorf("termination reason = %s, want cancelled", inst.TerminationReason)
	}
}

// Scenario 5: signal upgrade — pause then cancel before the binary reads
// either; only cancel should ever be observed.
func TestSignalUpgradeCancelSupersedesPause(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i5", "t1")

	if err := p.Signals.Pause(ctx, "i5"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := p.Signals.Cancel(ctx, "i5"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sig, ok, err := p.Signals.Deliverable(ctx, "i5")
	if err != nil || !ok {
		t.Fatalf("deliverable: ok=%v err=%v", ok, err)
	}
	if sig.Kind != store.SignalCancel {
		t.Fatalf("kind = %s, want cancel (pause must never be observed after an upgrade)", sig.Kind)
	}
}

func TestCheckpointSignalRendezvous(t *testing.T) {
	p, st := newPlane(t)
	ctx := context.Background()
	mustCreate(t, st, "i6", "t1")
	if _, _, err := p.RegisterInstance(ctx, "i6", "t1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.Signals.SendForCheckpoint(ctx, "i6", "approval", []byte("yes")); err != nil {
		t.Fatalf("send for checkpoint: %v", err)
	}

	result, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i6", ID: "approval", State: []byte("waiting")})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if string(result.PendingCheckpointPayload) != "yes" {
		t.Fatalf("pending checkpoint payload = %q, want yes", result.PendingCheckpointPayload)
	}

	// A second call for the same checkpoint id must not see the payload
	// again — it was consumed atomically with the first response.
	result2, err := p.Checkpoint(ctx, checkpoint.WriteRequest{InstanceID: "i6", ID: "approval", State: []byte("waiting")})
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if result2.PendingCheckpointPayload != nil {
		t.Fatalf("checkpoint rendezvous payload should be consumed once, got %q", result2.PendingCheckpointPayload)
	}
}
