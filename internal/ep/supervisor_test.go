package ep_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/ep"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/registry"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
)

func newSupervisor(t *testing.T, maxConcurrent int) (*ep.Supervisor, store.Storage, *runner.Mock) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st, t.TempDir())
	rn := runner.NewMock()
	s := ep.New(st, reg, rn, metrics.New(prometheus.NewRegistry()), nil)
	s.HeartbeatWindow = time.Minute
	s.MaxConcurrent = maxConcurrent
	return s, st, rn
}

func mustImage(t *testing.T, st store.Storage, reg *registry.Registry) store.Image {
	t.Helper()
	img, err := reg.Register(context.Background(), "t1", "wf", []byte("binary-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("register image: %v", err)
	}
	return img
}

func mustInstance(t *testing.T, st store.Storage, id, imageID string) store.Instance {
	t.Helper()
	inst := store.Instance{ID: id, Tenant: "t1", ImageID: imageID, Status: store.StatusPending, CreatedAt: time.Now(), MaxAttempts: 3}
	if err := st.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

// Scenario 6: at-capacity. Three concurrent launches against a cap of two
// must leave exactly two reserved and the third rejected with a retryable
// at-capacity fault.
func TestLaunchAtCapacity(t *testing.T) {
	s, st, rn := newSupervisor(t, 2)
	_ = rn
	ctx := context.Background()
	reg := registry.New(st, t.TempDir())
	img := mustImage(t, st, reg)
	s.Registry = reg

	insts := []store.Instance{
		mustInstance(t, st, "c1", img.ID),
		mustInstance(t, st, "c2", img.ID),
		mustInstance(t, st, "c3", img.ID),
	}

	type result struct {
		id  string
		err error
	}
	results := make(chan result, 3)
	for _, inst := range insts {
		inst := inst
		go func() {
			results <- result{inst.ID, s.Launch(ctx, inst)}
		}()
	}

	var oks, rejects int
	for i := 0; i < 3; i++ {
		r := <-results
		if r.err == nil {
			oks++
			continue
		}
		if !apierrors.Retryable(r.err) {
			t.Errorf("instance %s: rejection should be retryable, got %v", r.id, r.err)
		}
		rejects++
	}
	if oks != 2 || rejects != 1 {
		t.Fatalf("oks=%d rejects=%d, want 2/1", oks, rejects)
	}
}

// Image registration dedups identical binaries for the same tenant.
func TestRegisterImageDedup(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, t.TempDir())
	ctx := context.Background()

	first, err := reg.Register(ctx, "t1", "wf", []byte("same-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := reg.Register(ctx, "t1", "wf-again", []byte("same-bytes"), "mock", nil)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected dedup to return the same image id, got %s and %s", first.ID, second.ID)
	}
}

// A crashed container (non-zero exit, no output) is classified crashed and
// the instance is marked failed.
func TestHandleExitCrashed(t *testing.T) {
	s, st, rn := newSupervisor(t, 10)
	ctx := context.Background()
	reg := registry.New(st, t.TempDir())
	s.Registry = reg
	img := mustImage(t, st, reg)
	inst := mustInstance(t, st, "crash1", img.ID)

	rn.Handle(img.ID, func(ctx context.Context, spec runner.LaunchSpec) ([]byte, int, error) {
		return nil, 1, nil
	})

	if err := s.Launch(ctx, inst); err != nil {
		t.Fatalf("launch: %v", err)
	}

	go s.ObserveExits(ctx)

	waitForTerminal(t, st, "crash1")
	final, err := st.GetInstance(ctx, "crash1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if final.Status != store.StatusFailed || final.TerminationReason != store.ReasonCrashed {
		t.Fatalf("status=%s reason=%s, want failed/crashed", final.Status, final.TerminationReason)
	}
}

// An exit with exit code zero and output.json present, but no prior
// `completed` event, falls back to output.json per the precedence rule.
func TestHandleExitOutputFileFallback(t *testing.T) {
	s, st, rn := newSupervisor(t, 10)
	ctx := context.Background()
	reg := registry.New(st, t.TempDir())
	s.Registry = reg
	img := mustImage(t, st, reg)
	inst := mustInstance(t, st, "out1", img.ID)

	rn.Handle(img.ID, func(ctx context.Context, spec runner.LaunchSpec) ([]byte, int, error) {
		return []byte(`{"ok":true}`), 0, nil
	})

	if err := s.Launch(ctx, inst); err != nil {
		t.Fatalf("launch: %v", err)
	}
	go s.ObserveExits(ctx)

	waitForTerminal(t, st, "out1")
	final, err := st.GetInstance(ctx, "out1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if final.Status != store.StatusCompleted || final.TerminationReason != store.ReasonCompleted {
		t.Fatalf("status=%s reason=%s, want completed", final.Status, final.TerminationReason)
	}
	if string(final.Output) != `{"ok":true}` {
		t.Fatalf("output = %s", final.Output)
	}
}

// SweepStaleContainers marks stale, non-terminal instances crashed.
func TestSweepStaleContainers(t *testing.T) {
	s, st, _ := newSupervisor(t, 10)
	ctx := context.Background()
	inst := mustInstance(t, st, "stale1", "img1")
	inst.Status = store.StatusRunning
	if err := st.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update instance: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := st.UpsertContainer(ctx, store.ContainerRecord{
		ID: "ctr1", InstanceID: "stale1", Status: store.ContainerRunning, LastHeartbeat: old,
	}); err != nil {
		t.Fatalf("upsert container: %v", err)
	}

	if err := s.SweepStaleContainers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	final, err := st.GetInstance(ctx, "stale1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if final.Status != store.StatusFailed || final.TerminationReason != store.ReasonCrashed {
		t.Fatalf("status=%s reason=%s, want failed/crashed", final.Status, final.TerminationReason)
	}
}

func waitForTerminal(t *testing.T, st store.Storage, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := st.GetInstance(context.Background(), id)
		if err == nil && inst.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached terminal state", id)
}
