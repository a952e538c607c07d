package signalqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
)

func TestControlSignalPrecedence(t *testing.T) {
	t.Run("cancel supersedes a pending pause", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx := context.Background()

		if err := q.Pause(ctx, "i1"); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if err := q.Cancel(ctx, "i1"); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		sig, ok, err := q.Deliverable(ctx, "i1")
		if err != nil {
			t.Fatalf("deliverable: %v", err)
		}
		if !ok || sig.Kind != store.SignalCancel {
			t.Fatalf("got %+v, ok=%v, want cancel", sig, ok)
		}
	})

	t.Run("a pause cannot override an already-pending cancel", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx := context.Background()

		if err := q.Cancel(ctx, "i1"); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := q.Pause(ctx, "i1"); err != nil {
			t.Fatalf("pause: %v", err)
		}

		sig, ok, err := q.Deliverable(ctx, "i1")
		if err != nil {
			t.Fatalf("deliverable: %v", err)
		}
		if !ok || sig.Kind != store.SignalCancel {
			t.Fatalf("got %+v, ok=%v, want cancel to still be pending", sig, ok)
		}
	})

	t.Run("resume is dropped when there is no pending pause", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx := context.Background()

		if err := q.Resume(ctx, "i1"); err != nil {
			t.Fatalf("resume: %v", err)
		}

		_, ok, err := q.Deliverable(ctx, "i1")
		if err != nil {
			t.Fatalf("deliverable: %v", err)
		}
		if ok {
			t.Fatal("expected no pending signal, resume over no pause should be a no-op")
		}
	})

	t.Run("resume clears a pending pause", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx := context.Background()

		if err := q.Pause(ctx, "i1"); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if err := q.Resume(ctx, "i1"); err != nil {
			t.Fatalf("resume: %v", err)
		}

		sig, ok, err := q.Deliverable(ctx, "i1")
		if err != nil {
			t.Fatalf("deliverable: %v", err)
		}
		if !ok || sig.Kind != store.SignalResume {
			t.Fatalf("got %+v, ok=%v, want resume", sig, ok)
		}
	})
}

func TestAcknowledge(t *testing.T) {
	q := signalqueue.New(store.NewMemoryStore())
	ctx := context.Background()

	if err := q.Cancel(ctx, "i1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := q.Acknowledge(ctx, "i1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	_, ok, err := q.Deliverable(ctx, "i1")
	if err != nil {
		t.Fatalf("deliverable: %v", err)
	}
	if ok {
		t.Fatal("expected no pending signal after acknowledgement")
	}
}

func TestPollSignals(t *testing.T) {
	t.Run("returns immediately once a signal is already pending", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx := context.Background()
		if err := q.Cancel(ctx, "i1"); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		start := time.Now()
		sig, ok, err := q.PollSignals(ctx, "i1")
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if !ok || sig.Kind != store.SignalCancel {
			t.Fatalf("got %+v, ok=%v, want cancel", sig, ok)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("poll took %v, expected an immediate return", elapsed)
		}
	})

	t.Run("respects context cancellation while waiting", func(t *testing.T) {
		q := signalqueue.New(store.NewMemoryStore())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, ok, err := q.PollSignals(ctx, "never-signaled")
		if ok {
			t.Fatal("expected no signal to be delivered")
		}
		if err == nil {
			t.Fatal("expected context deadline error")
		}
	})
}

func TestCheckpointRendezvous(t *testing.T) {
	q := signalqueue.New(store.NewMemoryStore())
	ctx := context.Background()

	_, ok, err := q.TakeForCheckpoint(ctx, "i1", "approval-1")
	if err != nil {
		t.Fatalf("take (empty): %v", err)
	}
	if ok {
		t.Fatal("expected nothing queued yet")
	}

	if err := q.SendForCheckpoint(ctx, "i1", "approval-1", []byte("approved")); err != nil {
		t.Fatalf("send: %v", err)
	}

	payload, ok, err := q.TakeForCheckpoint(ctx, "i1", "approval-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if !ok || string(payload) != "approved" {
		t.Fatalf("payload = %q, ok=%v, want \"approved\"", payload, ok)
	}

	// A second take finds nothing: the rendezvous is consumed exactly once.
	_, ok, err = q.TakeForCheckpoint(ctx, "i1", "approval-1")
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if ok {
		t.Fatal("expected the payload to be consumed by the first take")
	}
}
