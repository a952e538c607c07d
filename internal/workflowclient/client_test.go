package workflowclient_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtarahq/runtara/internal/ip"
	"github.com/runtarahq/runtara/internal/metrics"
	"github.com/runtarahq/runtara/internal/signalqueue"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/transport"
	"github.com/runtarahq/runtara/internal/wireproto"
	"github.com/runtarahq/runtara/internal/workflowclient"
)

// startPlane serves a real ip.Plane over a loopback TCP listener and
// returns a connected workflowclient.Client, exercising the full wire
// protocol instead of calling Plane methods in-process.
func startPlane(t *testing.T) (*workflowclient.Client, store.Storage) {
	t.Helper()
	st := store.NewMemoryStore()
	plane := &ip.Plane{
		Store:          st,
		Signals:        signalqueue.New(st),
		Metrics:        metrics.New(prometheus.NewRegistry()),
		SleepThreshold: time.Minute,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &transport.Server{Handler: plane.Handler(), MaxFrameBytes: transport.DefaultMaxFrameBytes}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln, nil)
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := transport.NewClient(conn, transport.DefaultMaxFrameBytes)
	t.Cleanup(func() { _ = tc.Close() })

	return workflowclient.New(tc), st
}

func TestWorkflowClientRoundTrip(t *testing.T) {
	wc, st := startPlane(t)
	ctx := context.Background()

	if err := st.CreateInstance(ctx, store.Instance{ID: "w1", Tenant: "t1", Status: store.StatusPending, CreatedAt: time.Now(), MaxAttempts: 3}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	if _, err := wc.RegisterInstance(ctx, "w1", "t1", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	cpResp, err := wc.Checkpoint(ctx, wireproto.CheckpointRequest{InstanceID: "w1", ID: "k1", State: []byte("hello")})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cpResp.Replayed {
		t.Fatalf("first checkpoint should not be replayed")
	}

	getResp, err := wc.GetCheckpoint(ctx, "w1", "k1")
	if err != nil || !getResp.Found || string(getResp.State) != "hello" {
		t.Fatalf("get checkpoint = %+v, err=%v", getResp, err)
	}

	if err := wc.RecordEvent(ctx, wireproto.InstanceEventRequest{InstanceID: "w1", Kind: "completed", Payload: []byte("done")}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	status, err := wc.GetInstanceStatus(ctx, "w1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != string(store.StatusCompleted) {
		t.Fatalf("status = %s, want completed", status.Status)
	}
}

func TestWorkflowClientUnknownInstanceFault(t *testing.T) {
	wc, _ := startPlane(t)
	ctx := context.Background()

	_, err := wc.RegisterInstance(ctx, "missing", "t1", "")
	if err == nil {
		t.Fatalf("expected a fault for an unregistered instance")
	}
}
