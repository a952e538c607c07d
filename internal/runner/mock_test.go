package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
)

func TestMockLaunchReportsExit(t *testing.T) {
	m := runner.NewMock()
	defer m.Close()

	m.Handle("img-1", func(ctx context.Context, spec runner.LaunchSpec) ([]byte, int, error) {
		return []byte(`{"n":3,"done":true}`), 0, nil
	})

	spec := runner.LaunchSpec{
		InstanceID: "i1",
		Image:      store.Image{ID: "img-1"},
		Input:      []byte(`{"n":3}`),
	}

	h, err := m.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if h.InstanceID() != "i1" {
		t.Fatalf("instance id = %s, want i1", h.InstanceID())
	}

	select {
	case exit := <-m.Observe():
		if exit.InstanceID != "i1" {
			t.Fatalf("exit instance id = %s, want i1", exit.InstanceID)
		}
		if exit.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", exit.ExitCode)
		}
		if string(exit.Output) != `{"n":3,"done":true}` {
			t.Fatalf("output = %s, want the handler's output", exit.Output)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestMockLaunchDefaultsToEmptySuccess(t *testing.T) {
	m := runner.NewMock()
	defer m.Close()

	spec := runner.LaunchSpec{InstanceID: "i2", Image: store.Image{ID: "unregistered"}}
	if _, err := m.Launch(context.Background(), spec); err != nil {
		t.Fatalf("launch: %v", err)
	}

	select {
	case exit := <-m.Observe():
		if exit.ExitCode != 0 || exit.Err != nil {
			t.Fatalf("got exit %+v, want a clean default exit", exit)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestMockStopCancelsTheHandler(t *testing.T) {
	m := runner.NewMock()
	defer m.Close()

	started := make(chan struct{})
	m.Handle("img-block", func(ctx context.Context, spec runner.LaunchSpec) ([]byte, int, error) {
		close(started)
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})

	spec := runner.LaunchSpec{InstanceID: "i3", Image: store.Image{ID: "img-block"}}
	h, err := m.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	<-started

	if err := m.Stop(context.Background(), "i3", time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-m.Observe():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit after stop")
	}
	if h.Status() != store.ContainerStopped {
		t.Fatalf("status = %s, want stopped", h.Status())
	}
}

func TestMockStopOfUnknownInstanceIsANoOp(t *testing.T) {
	m := runner.NewMock()
	defer m.Close()

	if err := m.Stop(context.Background(), "never-launched", time.Second); err != nil {
		t.Fatalf("stop of unknown instance should be a no-op, got %v", err)
	}
}
