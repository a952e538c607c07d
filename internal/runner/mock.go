package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/store"
)

// Mock is the test backend (§4.5): it never shells out to a container CLI.
// Instead it runs an in-process function against the launch spec and
// reports the result through Observe, letting integration tests exercise
// the supervisor's launch/stop/observe/metrics contract without a real
// container runtime.
type Mock struct {
	mu       sync.Mutex
	handlers map[string]MockHandler // keyed by image ID
	live     map[string]*mockHandle
	exits    chan Exit
	closed   bool
}

// MockHandler simulates a workflow binary's behavior for one image. It
// receives the launch spec and a context (cancelled when Stop is called)
// and returns the output bytes and exit code the "container" would
// have produced.
type MockHandler func(ctx context.Context, spec LaunchSpec) (output []byte, exitCode int, err error)

// NewMock builds a Mock runner. Register per-image behavior with Handle.
func NewMock() *Mock {
	return &Mock{
		handlers: make(map[string]MockHandler),
		live:     make(map[string]*mockHandle),
		exits:    make(chan Exit, 64),
	}
}

// Handle registers the simulated behavior for an image ID. Images without a
// registered handler exit 0 with an empty JSON object ({}) as output by default.
func (m *Mock) Handle(imageID string, h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[imageID] = h
}

type mockHandle struct {
	instanceID string
	cancel     context.CancelFunc
	status     store.ContainerStatus
	mu         sync.Mutex
}

func (h *mockHandle) InstanceID() string { return h.instanceID }
func (h *mockHandle) PID() int           { return 0 }

func (h *mockHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.cancel()
	return nil
}

func (h *mockHandle) Status() store.ContainerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *mockHandle) setStatus(s store.ContainerStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Launch runs the registered handler (or the default passthrough) in a
// goroutine and reports its outcome on Observe.
func (m *Mock) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock runner: closed")
	}
	handler := m.handlers[spec.Image.ID]
	runCtx, cancel := context.WithCancel(ctx)
	h := &mockHandle{instanceID: spec.InstanceID, cancel: cancel, status: store.ContainerRunning}
	m.live[spec.InstanceID] = h
	m.mu.Unlock()

	go func() {
		var output []byte
		var exitCode int
		var err error

		if handler != nil {
			output, exitCode, err = handler(runCtx, spec)
		} else {
			output, exitCode, err = json.RawMessage(`{}`), 0, nil
		}

		h.setStatus(store.ContainerStopped)
		m.mu.Lock()
		delete(m.live, spec.InstanceID)
		m.mu.Unlock()

		m.exits <- Exit{
			InstanceID: spec.InstanceID,
			ExitCode:   exitCode,
			TimedOut:   runCtx.Err() != nil && exitCode == 0 && err == nil,
			Output:     output,
			Err:        err,
		}
	}()

	return h, nil
}

func (m *Mock) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	m.mu.Lock()
	h, ok := m.live[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Stop(ctx, grace)
}

func (m *Mock) Observe() <-chan Exit { return m.exits }

func (m *Mock) Metrics(ctx context.Context, instanceID string) (uint64, uint64, error) {
	return 0, 0, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, h := range m.live {
		h.cancel()
	}
	close(m.exits)
	return nil
}

var _ Runner = (*Mock)(nil)
