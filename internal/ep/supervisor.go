// Package ep implements the Environment Plane (§2, §4.5-§4.7): the image
// registry, per-instance container supervisor, wake-scheduler launcher
// adapter, and client-facing management facade.
package ep

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/runtarahq/runtara/internal/apierrors"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/idgen"
	"github.com/runtarahq/runtara/internal/instance"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/registry"
	"github.com/runtarahq/runtara/internal/resourceusage"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
)

// Supervisor owns the per-instance container lifecycle: launching,
// stopping, and classifying the termination of a workflow binary's
// container, per §4.5's authoritative classification table. It also
// implements wake.Launcher so the wake scheduler can relaunch suspended
// instances through the same path StartInstance uses.
type Supervisor struct {
	Store    store.Storage
	Registry *registry.Registry
	Runner   runner.Runner
	Metrics  *metrics.Collector
	Emitter  emit.Emitter
	Usage    *resourceusage.Tracker

	DataRoot         string
	IPAddr           string
	TLSSkipVerify    bool
	ExecutionTimeout time.Duration
	HeartbeatWindow  time.Duration
	MaxConcurrent    int

	mu      sync.Mutex
	running map[string]struct{} // instance ids with a live container

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// New builds a Supervisor. It does not start the exit-observation loop;
// callers run ObserveExits for that.
func New(st store.Storage, reg *registry.Registry, rn runner.Runner, mc *metrics.Collector, em emit.Emitter) *Supervisor {
	s := &Supervisor{
		Store:     st,
		Registry:  reg,
		Runner:    rn,
		Metrics:   mc,
		Emitter:   em,
		Usage:     resourceusage.NewTracker(),
		running:   make(map[string]struct{}),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	return s
}

func (s *Supervisor) emit(ev emit.Event) {
	if s.Emitter != nil {
		s.Emitter.Emit(ev)
	}
}

// breakerFor returns the per-image circuit breaker, creating one on first
// use: an image whose container keeps failing to launch stops being
// retried tight in a loop (§4.5/§9), grounded on jordigilh/kubernaut's
// gobreaker usage.
func (s *Supervisor) breakerFor(imageID string) *gobreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if b, ok := s.breakers[imageID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "launch:" + imageID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[imageID] = b
	return b
}

// reserve atomically checks the concurrency cap and claims a slot for
// instanceID in the same critical section, so concurrent StartInstance
// calls racing the same capacity check cannot both succeed (§8's "at
// capacity" boundary test starts three instances concurrently with a cap
// of two and expects exactly two to win).
func (s *Supervisor) reserve(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxConcurrent > 0 && len(s.running) >= s.MaxConcurrent {
		return false
	}
	s.running[instanceID] = struct{}{}
	return true
}

func (s *Supervisor) markStopped(instanceID string) { s.mu.Lock(); delete(s.running, instanceID); s.mu.Unlock() }

// Launch starts a container for inst using its image, writing input.json
// into the per-instance data directory and passing the binary's
// environment variables (§6's "environment variables of the binary").
func (s *Supervisor) Launch(ctx context.Context, inst store.Instance) error {
	if !s.reserve(inst.ID) {
		f := apierrors.Wrap(apierrors.CategoryResource, "at_capacity",
			"instance concurrency cap reached", apierrors.ErrAtCapacity)
		f.Retryable = true
		return f
	}

	img, err := s.Store.GetImage(ctx, inst.ImageID)
	if err != nil {
		s.markStopped(inst.ID)
		return fmt.Errorf("load image: %w", err)
	}

	runDir := filepath.Join(s.DataRoot, inst.Tenant, "runs", inst.ID)
	env := map[string]string{
		"RUNTARA_INSTANCE_ID":              inst.ID,
		"RUNTARA_TENANT_ID":                inst.Tenant,
		"RUNTARA_SERVER_ADDR":              s.IPAddr,
		"RUNTARA_SKIP_CERT_VERIFICATION":   boolEnv(s.TLSSkipVerify),
		"RUNTARA_CONNECT_TIMEOUT_MS":       "5000",
		"RUNTARA_REQUEST_TIMEOUT_MS":       "30000",
		"RUNTARA_SIGNAL_POLL_INTERVAL_MS":  "1000",
	}

	breaker := s.breakerFor(img.ID)
	start := time.Now()
	_, err = breaker.Execute(func() (any, error) {
		h, launchErr := s.Runner.Launch(ctx, runner.LaunchSpec{
			InstanceID: inst.ID,
			Tenant:     inst.Tenant,
			Image:      img,
			Input:      inst.Input,
			Env:        env,
			DataRoot:   runDir,
			Timeout:    s.ExecutionTimeout,
		})
		return h, launchErr
	})
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.Metrics.ObserveContainerLaunch(outcome, img.RunnerKind, time.Since(start))
	if err != nil {
		s.markStopped(inst.ID)
		return apierrors.Wrap(apierrors.CategoryRunner, "launch_failed", err.Error(), apierrors.ErrRunnerUnavailable)
	}

	if err := s.Store.UpsertContainer(ctx, store.ContainerRecord{
		ID:            idgen.NewPrefixed("ctr"),
		InstanceID:    inst.ID,
		BundlePath:    runDir,
		Status:        store.ContainerRunning,
		LastHeartbeat: time.Now(),
		Timeout:       s.ExecutionTimeout,
	}); err != nil {
		return fmt.Errorf("record container: %w", err)
	}
	return nil
}

// Relaunch implements wake.Launcher: it relaunches a suspended instance
// whose sleep_until has elapsed, clearing the sleep marker first so a
// concurrent tick (or this one retried) never double-launches it.
func (s *Supervisor) Relaunch(ctx context.Context, inst store.Instance) error {
	inst.SleepUntil = nil
	next, err := instance.Transition(inst, store.StatusRunning, "", time.Now())
	if err != nil {
		return err
	}
	if err := s.Store.UpdateInstance(ctx, next); err != nil {
		return err
	}
	if err := s.Launch(ctx, next); err != nil {
		// Restore sleep_until with a short backoff so the next tick retries
		// rather than hammering a runner that just failed (§4.4 safety
		// property: "if the relaunch fails, sleep_until is restored with a
		// backoff").
		retryAt := time.Now().Add(10 * time.Second)
		inst.SleepUntil = &retryAt
		inst.Status = store.StatusSuspended
		_ = s.Store.UpdateInstance(ctx, inst)
		return err
	}
	return nil
}

// Stop requests termination of an instance's container, used by
// StopInstance and by cancel's forced-stop path (§4.1's "supervisor
// forcibly stops container").
func (s *Supervisor) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	return s.Runner.Stop(ctx, instanceID, grace)
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ObserveExits drains the Runner's exit stream, classifying each
// termination per §4.5's authoritative table, until ctx is cancelled.
func (s *Supervisor) ObserveExits(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case exit, ok := <-s.Runner.Observe():
			if !ok {
				return
			}
			s.handleExit(ctx, exit)
		}
	}
}

func (s *Supervisor) handleExit(ctx context.Context, exit runner.Exit) {
	s.markStopped(exit.InstanceID)
	s.Usage.Forget(exit.InstanceID)

	inst, err := s.Store.GetInstance(ctx, exit.InstanceID)
	if err != nil {
		return
	}
	if inst.Status.Terminal() {
		// The binary already reported a terminal event (completed/failed/
		// cancelled) before exiting; the container-exit-only classification
		// table does not apply. Exit code is still recorded for audit.
		inst.ExitCode = &exit.ExitCode
		_ = s.Store.UpdateInstance(ctx, inst)
		return
	}
	if inst.Status == store.StatusSuspended {
		// A clean exit-to-sleep: the binary asked IP to suspend it and
		// exited 0 on instruction; this is not a crash.
		return
	}

	var reason store.TerminationReason
	switch {
	case exit.TimedOut:
		reason = store.ReasonTimeout
	case exit.ProcessKilled:
		reason = store.ReasonHeartbeatTimeout
	case exit.ExitCode == 0 && exit.Output != nil:
		// output.json present with no prior `completed` ack: the binary
		// crashed after writing the file but before the round trip
		// completed (§9's output.json-vs-event precedence resolution).
		inst.Output = exit.Output
		reason = store.ReasonCompleted
	default:
		reason = store.ReasonCrashed
	}

	status := store.StatusFailed
	if reason == store.ReasonCompleted {
		status = store.StatusCompleted
	}

	next, err := instance.Transition(inst, status, reason, time.Now())
	if err != nil {
		return
	}
	next.ExitCode = &exit.ExitCode
	next.StderrText = string(exit.Stderr)
	_ = s.Store.UpdateInstance(ctx, next)
	s.Metrics.ObserveTermination(string(reason))
	s.emit(emit.Event{InstanceID: exit.InstanceID, Kind: "failed", Meta: map[string]interface{}{
		"termination_reason": string(reason), "exit_code": exit.ExitCode,
	}})
}

// SweepStaleContainers implements the startup-time reconciliation (§4.5):
// any container record whose heartbeat is older than HeartbeatWindow is
// assumed dead from a previous EP process; its instance is marked
// failed(crashed) unless already terminal, and the runner is asked to stop
// it in case the process is somehow still alive.
//
// Note this sweep always classifies as crashed, unlike handleExit's richer
// table — a record surviving from a previous process has no live Runner
// handle to consult for timeout/kill provenance.
func (s *Supervisor) SweepStaleContainers(ctx context.Context) error {
	stale, err := s.Store.ListStaleHeartbeats(ctx, time.Now().Add(-s.HeartbeatWindow).Unix())
	if err != nil {
		return fmt.Errorf("list stale heartbeats: %w", err)
	}
	for _, c := range stale {
		_ = s.Runner.Stop(ctx, c.InstanceID, 5*time.Second)

		inst, err := s.Store.GetInstance(ctx, c.InstanceID)
		if err != nil || inst.Status.Terminal() {
			continue
		}
		next, err := instance.Transition(inst, store.StatusFailed, store.ReasonCrashed, time.Now())
		if err != nil {
			continue
		}
		_ = s.Store.UpdateInstance(ctx, next)
		_ = s.Store.DeleteContainer(ctx, c.ID)
	}
	return nil
}
