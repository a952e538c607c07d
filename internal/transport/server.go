package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Handler processes one request frame's payload and returns the response
// type and payload. Returning a non-nil *WireError produces an error
// response frame instead of a success one.
type Handler func(ctx context.Context, msgType string, payload []byte) (respType string, respPayload any, wireErr *WireError)

// ConnHandler is invoked once per accepted connection before frame
// dispatch begins, letting the caller register per-session state (e.g. the
// registered instance id) keyed by the connection.
type ConnHandler func(ctx context.Context, conn net.Conn) context.Context

// Server accepts connections and serves Handler against every frame read
// from each one, dispatching concurrently within a connection so a
// long-running request (e.g. poll_signals' long poll) never blocks other
// in-flight requests on the same session — the "per-request/response
// streams multiplexed over one connection" requirement of §4.8.
type Server struct {
	Handler       Handler
	OnConnect     ConnHandler
	MaxFrameBytes int

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closed    bool
}

// Serve accepts connections on ln until it is closed or ctx is cancelled.
// If tlsConfig is non-nil, the listener is wrapped with TLS (§6's
// "connection establishment with TLS").
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("transport: server closed")
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && !ne.Timeout() {
				return err
			}
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close closes every listener Serve registered and waits for in-flight
// connections to finish dispatching.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	lns := s.listeners
	s.mu.Unlock()

	var firstErr error
	for _, ln := range lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connCtx := ctx
	if s.OnConnect != nil {
		connCtx = s.OnConnect(ctx, conn)
	}

	reader := NewFrameReader(conn, s.MaxFrameBytes)
	writer := NewFrameWriter(conn, s.MaxFrameBytes)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				_ = writer.WriteFrame(Frame{ID: frame.ID, Type: "error", Err: &WireError{
					Code: "FRAME_TOO_LARGE", Message: ErrFrameTooLarge.Error(), Category: "transport",
				}})
			}
			return
		}

		inflight.Add(1)
		go func(f Frame) {
			defer inflight.Done()
			s.dispatch(connCtx, writer, f)
		}(frame)
	}
}

func (s *Server) dispatch(ctx context.Context, writer *FrameWriter, f Frame) {
	respType, payload, wireErr := s.Handler(ctx, f.Type, f.Payload)
	if wireErr != nil {
		_ = writer.WriteFrame(Frame{ID: f.ID, Type: "error", Err: wireErr})
		return
	}

	body, err := marshalPayload(payload)
	if err != nil {
		_ = writer.WriteFrame(Frame{ID: f.ID, Type: "error", Err: &WireError{
			Code: "ENCODE_FAILED", Message: fmt.Sprintf("encode response: %v", err), Category: "transport",
		}})
		return
	}
	_ = writer.WriteFrame(Frame{ID: f.ID, Type: respType, Payload: body})
}
