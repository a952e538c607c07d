package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Client is the binary-side (or management-client-side) session over one
// connection: it pipelines requests, matching responses back to callers by
// frame ID so a slow request (e.g. a long poll) never head-of-line blocks
// others on the same connection.
type Client struct {
	conn   net.Conn
	reader *FrameReader
	writer *FrameWriter

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	closed  bool
	readErr error
}

// NewClient wraps an established connection (already dialed, already
// TLS-handshaked if applicable) and starts its background read loop.
func NewClient(conn net.Conn, maxFrameBytes int) *Client {
	c := &Client{
		conn:    conn,
		reader:  NewFrameReader(conn, maxFrameBytes),
		writer:  NewFrameWriter(conn, maxFrameBytes),
		pending: make(map[uint64]chan Frame),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- frame
			close(ch)
		}
	}
}

// Call sends a request frame of msgType carrying payload and blocks for the
// matching response, honoring ctx cancellation. The returned Frame's Err is
// non-nil if the server reported a fault.
func (c *Client) Call(ctx context.Context, msgType string, payload any) (Frame, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("transport: encode request: %w", err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("transport: connection closed: %w", c.readErr)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writer.WriteFrame(Frame{ID: id, Type: msgType, Payload: body}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("transport: write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, fmt.Errorf("transport: connection closed while awaiting response: %w", c.readErr)
		}
		return resp, nil
	}
}

// Close closes the underlying connection, unblocking any in-flight Call.
func (c *Client) Close() error {
	return c.conn.Close()
}
