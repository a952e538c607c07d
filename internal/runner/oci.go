package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/runtarahq/runtara/internal/store"
)

// NetworkMode selects the container's network namespace handling.
type NetworkMode string

const (
	NetworkHost NetworkMode = "host"
	NetworkPasta NetworkMode = "pasta"
	NetworkNone  NetworkMode = "none"
)

// OCIConfig configures the isolated-container backend (§4.5): the
// container-CLI binary to invoke, the bundle root, and the resource and
// isolation limits applied to every launched container.
type OCIConfig struct {
	// RuntimeBinary is the low-level container CLI, e.g. "crun" or "runc".
	RuntimeBinary string

	// BundleDir is the root OCI bundles are derived under:
	// "<bundle_dir>/<image_id>/".
	BundleDir string

	CgroupDriver string // "systemd" | "cgroupfs"
	NetworkMode  NetworkMode

	// MemoryLimitBytes and CPUQuotaMicros cap each container's cgroup.
	// Zero means unlimited.
	MemoryLimitBytes int64
	CPUQuotaMicros   int64

	// SeccompProfilePath points at the JSON seccomp allowlist applied to
	// every container; empty disables seccomp filtering (not recommended
	// outside of tests).
	SeccompProfilePath string

	// UserNSMapping configures the root-mapped uid/gid range, e.g.
	// "0:100000:65536". Empty disables user namespacing.
	UserNSMapping string
}

// OCI is the isolated-container Runner backend (§4.5): it prepares a
// filesystem bundle per launch and execs the configured container CLI via
// os/exec, reading the container's output.json/stderr.log once it exits.
//
// Grounded on the teacher's client.BaseProcess (zjrosen/perles,
// internal/orchestration/client/base_process.go): an *exec.Cmd wrapped with
// stdout/stderr goroutines, a WaitGroup, and a status field protected by a
// mutex, generalized from a long-lived streaming subprocess (AI CLI,
// stdout parsed line-by-line as JSON events) to a run-to-completion
// container process (stdout/stderr captured to files, completion signaled
// once by exit).
type OCI struct {
	cfg OCIConfig

	mu       sync.Mutex
	live     map[string]*ociHandle
	exits    chan Exit
	closed   bool

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex
}

// NewOCI builds an OCI runner backend.
func NewOCI(cfg OCIConfig) *OCI {
	return &OCI{
		cfg:      cfg,
		live:     make(map[string]*ociHandle),
		exits:    make(chan Exit, 64),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

type ociHandle struct {
	instanceID string
	cmd        *exec.Cmd
	cancel     context.CancelFunc

	mu     sync.Mutex
	status store.ContainerStatus
}

func (h *ociHandle) InstanceID() string { return h.instanceID }

func (h *ociHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ociHandle) Status() store.ContainerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *ociHandle) setStatus(s store.ContainerStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Stop sends the container CLI's kill subcommand with SIGTERM, then
// escalates to SIGKILL if the process is still alive after grace.
func (h *ociHandle) Stop(ctx context.Context, grace time.Duration) error {
	if h.status == store.ContainerStopped || h.status == store.ContainerFailed {
		return nil
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		if h.cmd.Process != nil {
			return h.cmd.Process.Kill()
		}
		return nil
	}
}

// breakerFor returns the per-image circuit breaker, opening after three
// consecutive launch failures so a crash-looping image stops being retried
// against the runtime CLI on every relaunch.
func (o *OCI) breakerFor(imageID string) *gobreaker.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	if cb, ok := o.breakers[imageID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "runner-launch:" + imageID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	o.breakers[imageID] = cb
	return cb
}

// Launch prepares the bundle directory, writes input.json, and execs the
// configured container CLI. It does not block for the container to exit;
// completion is reported on Observe.
func (o *OCI) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("oci runner: closed")
	}
	o.mu.Unlock()

	cb := o.breakerFor(spec.Image.ID)
	result, err := cb.Execute(func() (any, error) {
		return o.launch(ctx, spec)
	})
	if err != nil {
		return nil, err
	}
	return result.(Handle), nil
}

func (o *OCI) launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	bundlePath := spec.Image.BundlePath
	if bundlePath == "" {
		bundlePath = filepath.Join(o.cfg.BundleDir, spec.Image.ID)
	}

	if err := os.MkdirAll(spec.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare run directory: %w", err)
	}
	inputPath := filepath.Join(spec.DataRoot, "input.json")
	if err := os.WriteFile(inputPath, spec.Input, 0o644); err != nil {
		return nil, fmt.Errorf("write input.json: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	containerID := "runtara-" + spec.InstanceID

	args := o.runArgs(containerID, bundlePath, spec)
	cmd := exec.CommandContext(runCtx, o.cfg.RuntimeBinary, args...)
	cmd.Env = envSlice(spec.Env)

	stderrPath := filepath.Join(spec.DataRoot, "stderr.log")
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stderr.log: %w", err)
	}
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("start %s: %w", o.cfg.RuntimeBinary, err)
	}

	h := &ociHandle{instanceID: spec.InstanceID, cmd: cmd, cancel: cancel, status: store.ContainerRunning}
	o.mu.Lock()
	o.live[spec.InstanceID] = h
	o.mu.Unlock()

	go o.wait(runCtx, spec, h, stderrFile, stderrPath)

	return h, nil
}

// runArgs builds the container CLI invocation. The per-launch knobs
// (cgroup driver, seccomp allowlist, user-namespace root mapping, cgroup
// memory/cpu caps, network mode) are expressed as flags on `run` rather
// than a hand-assembled OCI config.json. Namespaces, dropped capabilities
// and the read-only root get no flag here; whatever the prepared bundle
// directory's own config carries applies.
func (o *OCI) runArgs(containerID, bundlePath string, spec LaunchSpec) []string {
	args := []string{
		"run",
		"--bundle", bundlePath,
		"--cgroup-manager", o.cfg.CgroupDriver,
	}
	if o.cfg.SeccompProfilePath != "" {
		args = append(args, "--seccomp-profile", o.cfg.SeccompProfilePath)
	}
	if o.cfg.UserNSMapping != "" {
		args = append(args, "--userns-map-user", o.cfg.UserNSMapping)
	}
	if o.cfg.MemoryLimitBytes > 0 {
		args = append(args, "--cgroup-set", fmt.Sprintf("memory.max=%d", o.cfg.MemoryLimitBytes))
	}
	if o.cfg.CPUQuotaMicros > 0 {
		args = append(args, "--cgroup-set", fmt.Sprintf("cpu.max=%d 100000", o.cfg.CPUQuotaMicros))
	}
	switch o.cfg.NetworkMode {
	case NetworkNone:
		args = append(args, "--no-new-privs")
	case NetworkPasta:
		args = append(args, "--annotation", "network.mode=pasta")
	}
	args = append(args, containerID)
	return args
}

// wait blocks for the container process to exit, classifies the outcome
// (§4.5), reads output.json when applicable, and reports an Exit.
func (o *OCI) wait(ctx context.Context, spec LaunchSpec, h *ociHandle, stderrFile *os.File, stderrPath string) {
	waitErr := h.cmd.Wait()
	_ = stderrFile.Close()

	o.mu.Lock()
	delete(o.live, spec.InstanceID)
	o.mu.Unlock()

	timedOut := ctx.Err() != nil
	killed := h.Status() == store.ContainerStopped
	exitCode := 0
	var runnerErr error

	if exitErr, ok := asExitError(waitErr); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil && !timedOut {
		runnerErr = fmt.Errorf("%s run: %w", o.cfg.RuntimeBinary, waitErr)
	}

	h.setStatus(store.ContainerStopped)
	if runnerErr != nil {
		h.setStatus(store.ContainerFailed)
	}

	var output []byte
	if exitCode == 0 && runnerErr == nil && !timedOut {
		outputPath := filepath.Join(spec.DataRoot, "output.json")
		if b, err := os.ReadFile(outputPath); err == nil {
			output = b
		}
	}

	stderr, _ := os.ReadFile(stderrPath)

	o.exits <- Exit{
		InstanceID:    spec.InstanceID,
		ExitCode:      exitCode,
		TimedOut:      timedOut,
		ProcessKilled: killed,
		Output:        output,
		Stderr:        stderr,
		Err:           runnerErr,
	}
}

func (o *OCI) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	o.mu.Lock()
	h, ok := o.live[instanceID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Stop(ctx, grace)
}

func (o *OCI) Observe() <-chan Exit { return o.exits }

// Metrics reports the container's resource usage. It reads no cgroup
// accounting files: every call returns zero values and a nil error,
// whether or not the container is still live.
func (o *OCI) Metrics(ctx context.Context, instanceID string) (uint64, uint64, error) {
	o.mu.Lock()
	_, ok := o.live[instanceID]
	o.mu.Unlock()
	if !ok {
		return 0, 0, nil
	}
	// Reading /sys/fs/cgroup/.../memory.peak and cpu.stat for the
	// container's cgroup is environment-specific (cgroup v1 vs v2, driver
	// naming) and is not implemented: a live container also reports zero
	// values.
	return 0, 0, nil
}

func (o *OCI) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	for _, h := range o.live {
		h.cancel()
	}
	close(o.exits)
	return nil
}

// asExitError extracts an *exec.ExitError from a Cmd.Wait error, which is
// how a non-zero container exit is reported (as opposed to a runner-level
// failure, e.g. the CLI binary itself not being found).
func asExitError(err error) (*exec.ExitError, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

var _ Runner = (*OCI)(nil)
