package wake_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/wake"
)

type recordingLauncher struct {
	mu        sync.Mutex
	relaunched []string
	delay     time.Duration
	fail      map[string]bool
}

func (r *recordingLauncher) Relaunch(ctx context.Context, inst store.Instance) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[inst.ID] {
		return context.DeadlineExceeded
	}
	r.relaunched = append(r.relaunched, inst.ID)
	return nil
}

func (r *recordingLauncher) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.relaunched))
	copy(out, r.relaunched)
	return out
}

func mustCreate(t *testing.T, st *store.MemoryStore, inst store.Instance) {
	t.Helper()
	if err := st.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance %s: %v", inst.ID, err)
	}
}

func TestTick(t *testing.T) {
	t.Run("relaunches only due instances", func(t *testing.T) {
		st := store.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		future := time.Now().Add(time.Hour)

		mustCreate(t, st, store.Instance{ID: "due-1", Status: store.StatusSuspended, SleepUntil: &past})
		mustCreate(t, st, store.Instance{ID: "not-due", Status: store.StatusSuspended, SleepUntil: &future})
		mustCreate(t, st, store.Instance{ID: "running", Status: store.StatusRunning})

		launcher := &recordingLauncher{fail: map[string]bool{}}
		sched := wake.New(st, launcher)

		n, err := sched.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if n != 1 {
			t.Fatalf("relaunched = %d, want 1", n)
		}
		seen := launcher.seen()
		if len(seen) != 1 || seen[0] != "due-1" {
			t.Fatalf("relaunched %v, want [due-1]", seen)
		}
	})

	t.Run("a launch failure for one instance does not block the others", func(t *testing.T) {
		st := store.NewMemoryStore()
		past := time.Now().Add(-time.Minute)

		mustCreate(t, st, store.Instance{ID: "ok", Status: store.StatusSuspended, SleepUntil: &past})
		mustCreate(t, st, store.Instance{ID: "broken", Status: store.StatusSuspended, SleepUntil: &past})

		launcher := &recordingLauncher{fail: map[string]bool{"broken": true}}
		sched := wake.New(st, launcher)

		n, err := sched.Tick(context.Background())
		if err == nil {
			t.Fatal("expected an error from the failing relaunch")
		}
		if n != 1 {
			t.Fatalf("relaunched = %d, want 1 (the healthy instance)", n)
		}
	})

	t.Run("concurrent ticks never relaunch the same instance twice", func(t *testing.T) {
		st := store.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		mustCreate(t, st, store.Instance{ID: "slow", Status: store.StatusSuspended, SleepUntil: &past})

		var calls atomic.Int32
		launcher := &recordingLauncher{delay: 50 * time.Millisecond, fail: map[string]bool{}}
		sched := wake.New(st, launcher, wake.WithMaxInFlight(4))

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, _ := sched.Tick(context.Background())
				calls.Add(int32(n))
			}()
		}
		wg.Wait()

		if got := calls.Load(); got != 1 {
			t.Fatalf("total relaunches across concurrent ticks = %d, want 1", got)
		}
	})
}
