// Package runner abstracts process execution for the Environment Plane's
// container supervisor (§4.5): launching a workflow binary for an
// instance, stopping it, observing its exit, and reporting resource
// metrics. Two backends are provided — an isolated-container backend
// (oci.go) and a mock backend for tests (mock.go) — one of which the EP
// selects for all images from its configured RunnerKind, per the "dynamic dispatch for storage and runner"
// design note (Runner is polymorphic, not a class hierarchy).
//
// Grounded on the teacher's client.HeadlessProcess abstraction as seen in
// zjrosen/perles (internal/orchestration/client/base_process.go): a
// process wrapper exposing Events()/Errors() channels, Status(), PID(),
// Cancel(), and Wait() over an os/exec.Cmd, generalized from an AI CLI
// subprocess to a durable-workflow container process.
package runner

import (
	"context"
	"time"

	"github.com/runtarahq/runtara/internal/store"
)

// LaunchSpec carries everything a Runner needs to start one instance's
// container.
type LaunchSpec struct {
	InstanceID string
	Tenant     string
	Image      store.Image
	Input      []byte
	Env        map[string]string

	// DataRoot is "<data_root>/<tenant>/runs/<instance_id>" — the directory
	// the runner prepares input.json into and reads output.json/stderr.log
	// from once the container exits.
	DataRoot string

	// Timeout is the configured wall-clock execution budget; exceeding it
	// is a termination_reason=timeout stop, not a crash.
	Timeout time.Duration
}

// Exit describes how a launched container ended.
type Exit struct {
	InstanceID    string
	ExitCode      int
	TimedOut      bool
	ProcessKilled bool
	Output        []byte // contents of output.json, if the process exited 0 and wrote one
	Stderr        []byte
	Err           error // non-nil for runner-level failures (launch failed, crun missing, ...)
}

// Handle is a live, supervised container. Runner implementations return
// one from Launch; the supervisor uses it to stop the container and read
// back its PID for heartbeat bookkeeping.
type Handle interface {
	// InstanceID identifies which instance this handle supervises.
	InstanceID() string

	// PID returns the OS process id of the container's init process, or 0
	// if unavailable (e.g. the mock backend).
	PID() int

	// Stop requests graceful termination, escalating to a forced kill if
	// the process is still alive after grace elapses.
	Stop(ctx context.Context, grace time.Duration) error

	// Status returns the current lifecycle status.
	Status() store.ContainerStatus
}

// Runner is the container supervisor's execution abstraction (§4.5):
// launch, stop, observe, metrics.
type Runner interface {
	// Launch starts a container for spec and returns a Handle immediately;
	// it does not block until the container exits.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Stop requests termination of a previously launched instance's
	// container.
	Stop(ctx context.Context, instanceID string, grace time.Duration) error

	// Observe returns a channel of Exit values, one per launched container
	// that finishes; a failed Launch returns its error and sends no Exit.
	// Callers range over it until the Runner is closed.
	Observe() <-chan Exit

	// Metrics reports peak memory and cumulative CPU time for a still-live
	// instance's container, sampled best-effort.
	Metrics(ctx context.Context, instanceID string) (peakMemoryBytes, cpuMicros uint64, err error)

	// Close releases resources and stops accepting new launches. Observe's
	// channel is closed once all in-flight containers have reported.
	Close() error
}

// Kind identifies which Runner backend an Image was registered against.
type Kind string

const (
	KindOCI  Kind = "oci"
	KindMock Kind = "mock"
)
