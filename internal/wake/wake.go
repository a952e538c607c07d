// Package wake implements the Environment Plane's wake scheduler: the
// control loop that relaunches suspended instances once their
// sleep_until has passed (§4.4).
//
// Grounded on the teacher's graph/scheduler.go Frontier: the same
// "bounded, deterministically ordered work selection" shape, adapted from
// an in-process priority heap of WorkItem[S] fed by Enqueue/Dequeue to a
// poll-driven selection over store.DueForWake, ordered by sleep_until
// instead of OrderKey. Bounded concurrency is delegated to
// golang.org/x/sync/errgroup rather than the teacher's buffered channel,
// since ticks here are a pull (poll the store, launch what's due) rather
// than a push (nodes enqueueing work as they produce it).
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/store"
)

// Launcher relaunches one due instance. Implemented by the Environment
// Plane's container supervisor; kept as a narrow interface here so the
// scheduler can be tested without a real runner.
type Launcher interface {
	Relaunch(ctx context.Context, inst store.Instance) error
}

// Scheduler polls store.DueForWake on an interval and relaunches what it
// finds, at most once per instance per due period.
type Scheduler struct {
	st       store.Instances
	launcher Launcher
	metrics  *metrics.Collector

	interval   time.Duration
	batchLimit int
	maxInFlight int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Scheduler at construction time, following the
// teacher's functional-options idiom (see internal/config).
type Option func(*Scheduler)

// WithInterval overrides the poll interval (default 2s).
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithBatchLimit caps how many due instances a single tick selects
// (default 100).
func WithBatchLimit(n int) Option {
	return func(s *Scheduler) { s.batchLimit = n }
}

// WithMaxInFlight caps how many relaunches run concurrently within a tick
// (default 16).
func WithMaxInFlight(n int) Option {
	return func(s *Scheduler) { s.maxInFlight = n }
}

// WithMetrics attaches a metrics collector; nil is valid and disables
// instrumentation.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// New builds a Scheduler. st provides DueForWake selection; launcher
// performs the actual relaunch.
func New(st store.Instances, launcher Launcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:          st,
		launcher:    launcher,
		interval:    2 * time.Second,
		batchLimit:  100,
		maxInFlight: 16,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, ticking until ctx is cancelled. Each tick calls Tick and
// logs nothing itself — callers wanting visibility into tick outcomes
// should inspect the returned count or attach an emit.Emitter upstream of
// the Launcher.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				// A single bad tick (e.g. a transient store error) should not
				// kill the loop; the next tick retries DueForWake from scratch.
				continue
			}
		}
	}
}

// Tick runs one selection+relaunch pass and returns how many instances it
// relaunched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.st.DueForWake(ctx, nowUnix(), s.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("due for wake: %w", err)
	}
	if len(due) == 0 {
		s.metrics.ObserveWakeTick(0)
		return 0, nil
	}

	claimed := s.claim(due)
	defer s.release(claimed)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(s.maxInFlight)

	relaunched := 0
	var mu sync.Mutex
	for _, inst := range claimed {
		inst := inst
		grp.Go(func() error {
			if err := s.launcher.Relaunch(grpCtx, inst); err != nil {
				return fmt.Errorf("relaunch %s: %w", inst.ID, err)
			}
			mu.Lock()
			relaunched++
			mu.Unlock()
			return nil
		})
	}

	waitErr := grp.Wait()
	s.metrics.ObserveWakeTick(relaunched)
	return relaunched, waitErr
}

// claim marks instances as in-flight, skipping any already being relaunched
// by a concurrent tick — the at-most-once-launch-per-instance guard.
func (s *Scheduler) claim(due []store.Instance) []store.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Instance, 0, len(due))
	for _, inst := range due {
		if _, busy := s.inFlight[inst.ID]; busy {
			continue
		}
		s.inFlight[inst.ID] = struct{}{}
		out = append(out, inst)
	}
	return out
}

func (s *Scheduler) release(claimed []store.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range claimed {
		delete(s.inFlight, inst.ID)
	}
}

// nowUnix is a seam so tests can't accidentally depend on wall-clock time
// drifting mid-assertion; production always calls time.Now().Unix().
var nowUnix = func() int64 { return time.Now().Unix() }
