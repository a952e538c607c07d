// Package transport implements the wire transport described in §4.8 and
// §6: a connection-oriented, TLS-secured, length-framed request/response
// channel multiplexed over one connection, with a per-message schema
// (a tagged union of request/response variants).
//
// No repo in the pack ships a custom framed RPC transport matching the
// spec's abstract requirements directly (see DESIGN.md's "Parts built on
// the standard library" entry), so this is built on crypto/tls + net +
// encoding/json in the same unadorned style the teacher reaches for stdlib
// when the pack has no library for a concern (e.g. graph/cost.go).
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes is the hard cap on a single message (§6).
const DefaultMaxFrameBytes = 64 << 20

// ErrFrameTooLarge is returned when an incoming frame exceeds the
// configured maximum.
var ErrFrameTooLarge = fmt.Errorf("transport: frame exceeds maximum size")

// Frame is one length-framed wire message: a request or a response,
// distinguished by Type, correlated across the multiplexed connection by
// ID, and carrying an arbitrary JSON payload (the "tagged union of
// request/response variants").
type Frame struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Err is set on response frames representing a server-side fault; Type
	// is conventionally "error" when this is populated.
	Err *WireError `json:"error,omitempty"`
}

// WireError is the serialized form of an apierrors.Fault crossing the wire.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

func (w *WireError) Error() string {
	if w == nil {
		return ""
	}
	return w.Code + ": " + w.Message
}

// FrameReader reads length-prefixed JSON frames from an underlying stream,
// rejecting anything over maxBytes before it is ever fully buffered.
type FrameReader struct {
	r        *bufio.Reader
	maxBytes int
}

// NewFrameReader wraps r. maxBytes <= 0 uses DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxBytes int) *FrameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &FrameReader{r: bufio.NewReader(r), maxBytes: maxBytes}
}

// ReadFrame reads one length-prefixed frame. A length exactly at maxBytes
// succeeds; anything over is rejected with ErrFrameTooLarge without reading
// the body (§8's "frame size exactly at the cap succeeds; one byte over is
// rejected with a framing fault").
func (fr *FrameReader) ReadFrame() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > fr.maxBytes {
		// Drain is not attempted: a frame this large means the connection is
		// misbehaving or malicious; the caller should close it.
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Frame{}, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}

// FrameWriter writes length-prefixed JSON frames to an underlying stream.
// Writes are serialized with a mutex since multiple in-flight requests on
// one connection may complete concurrently and each write a response.
type FrameWriter struct {
	mu       sync.Mutex
	w        io.Writer
	maxBytes int
}

// NewFrameWriter wraps w. maxBytes <= 0 uses DefaultMaxFrameBytes.
func NewFrameWriter(w io.Writer, maxBytes int) *FrameWriter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &FrameWriter{w: w, maxBytes: maxBytes}
}

// WriteFrame encodes and writes f, rejecting outgoing frames that would
// themselves exceed the cap (a server should never manufacture one, but a
// caller-supplied payload such as a large checkpoint state could).
func (fw *FrameWriter) WriteFrame(f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	if len(body) > fw.maxBytes {
		return ErrFrameTooLarge
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(body)
	return err
}
