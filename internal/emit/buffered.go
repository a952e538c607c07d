package emit

import (
	"context"
	"sync"
)

// Buffered wraps another Emitter and batches events up to a configured size
// before forwarding them via EmitBatch, amortizing overhead for high-volume
// emitters (e.g. a remote log shipper). Adapted from the teacher's
// graph/emit/buffered.go BufferedEmitter.
type Buffered struct {
	mu       sync.Mutex
	next     Emitter
	batch    []Event
	capacity int
}

// NewBuffered creates a Buffered emitter flushing to next once capacity
// events have accumulated. A non-positive capacity defaults to 32.
func NewBuffered(next Emitter, capacity int) *Buffered {
	if capacity <= 0 {
		capacity = 32
	}
	return &Buffered{next: next, capacity: capacity, batch: make([]Event, 0, capacity)}
}

func (b *Buffered) Emit(event Event) {
	b.mu.Lock()
	b.batch = append(b.batch, event)
	full := len(b.batch) >= b.capacity
	var drained []Event
	if full {
		drained = b.batch
		b.batch = make([]Event, 0, b.capacity)
	}
	b.mu.Unlock()

	if drained != nil {
		b.next.EmitBatch(drained)
	}
}

func (b *Buffered) EmitBatch(events []Event) {
	for _, e := range events {
		b.Emit(e)
	}
}

// Flush forces any buffered events to the wrapped emitter, then flushes it.
func (b *Buffered) Flush(ctx context.Context) error {
	b.mu.Lock()
	drained := b.batch
	b.batch = make([]Event, 0, b.capacity)
	b.mu.Unlock()

	if len(drained) > 0 {
		b.next.EmitBatch(drained)
	}
	return b.next.Flush(ctx)
}
