package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/transport"
)

func startLoopbackServer(t *testing.T, h transport.Handler) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &transport.Server{Handler: h}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln, nil) }()
	return ln.Addr().String(), func() {
		cancel()
		_ = srv.Close()
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	addr, closeFn := startLoopbackServer(t, func(ctx context.Context, msgType string, payload []byte) (string, any, *transport.WireError) {
		if msgType != "ping" {
			return "", nil, &transport.WireError{Code: "UNKNOWN_TYPE", Message: msgType}
		}
		var req struct{ N int }
		_ = json.Unmarshal(payload, &req)
		return "pong", map[string]int{"n": req.N + 1}, nil
	})
	defer closeFn()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewClient(conn, 0)
	defer client.Close()

	resp, err := client.Call(context.Background(), "ping", map[string]int{"n": 41})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Type != "pong" {
		t.Fatalf("resp.Type = %q, want pong", resp.Type)
	}
	var out struct{ N int }
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.N != 42 {
		t.Errorf("out.N = %d, want 42", out.N)
	}
}

func TestClientReceivesWireError(t *testing.T) {
	addr, closeFn := startLoopbackServer(t, func(ctx context.Context, msgType string, payload []byte) (string, any, *transport.WireError) {
		return "", nil, &transport.WireError{Code: "BOOM", Message: "nope", Category: "validation"}
	})
	defer closeFn()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewClient(conn, 0)
	defer client.Close()

	resp, err := client.Call(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Err == nil || resp.Err.Code != "BOOM" {
		t.Fatalf("resp.Err = %+v, want BOOM", resp.Err)
	}
}

func TestConcurrentRequestsDoNotHeadOfLineBlock(t *testing.T) {
	release := make(chan struct{})
	addr, closeFn := startLoopbackServer(t, func(ctx context.Context, msgType string, payload []byte) (string, any, *transport.WireError) {
		if msgType == "slow" {
			<-release
		}
		return "ack", map[string]string{"type": msgType}, nil
	})
	defer closeFn()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewClient(conn, 0)
	defer client.Close()

	fastDone := make(chan struct{})
	go func() {
		if _, err := client.Call(context.Background(), "fast", nil); err != nil {
			t.Errorf("fast call: %v", err)
		}
		close(fastDone)
	}()

	slowDone := make(chan struct{})
	go func() {
		if _, err := client.Call(context.Background(), "slow", nil); err != nil {
			t.Errorf("slow call: %v", err)
		}
		close(slowDone)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast call was blocked by the slow in-flight request")
	}

	close(release)
	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never completed")
	}
}

func TestFrameSizeCapBoundary(t *testing.T) {
	addr, closeFn := startLoopbackServer(t, func(ctx context.Context, msgType string, payload []byte) (string, any, *transport.WireError) {
		return "ack", map[string]int{"len": len(payload)}, nil
	})
	defer closeFn()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewClient(conn, 0)
	defer client.Close()

	if _, err := client.Call(context.Background(), "ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("call: %v", err)
	}

	var buf bytes.Buffer
	frame := transport.Frame{ID: 1, Type: "ping", Payload: json.RawMessage(`{"n":1}`)}
	if err := transport.NewFrameWriter(&buf, 0).WriteFrame(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	encoded := buf.Bytes()
	bodyLen := len(encoded) - 4 // 4-byte length prefix

	if _, err := transport.NewFrameReader(bytes.NewReader(encoded), bodyLen).ReadFrame(); err != nil {
		t.Fatalf("frame exactly at the cap: %v", err)
	}
	if _, err := transport.NewFrameReader(bytes.NewReader(encoded), bodyLen-1).ReadFrame(); !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Fatalf("frame one byte over the cap: err = %v, want ErrFrameTooLarge", err)
	}
}
