package emit

import "context"

// Emitter receives observability events from both planes.
//
// Implementations should be non-blocking and thread-safe — Emit may be
// called concurrently from many instance sessions and from the container
// supervisor and wake scheduler's background loops.
type Emitter interface {
	// Emit sends a single event. Implementations must not panic; errors are
	// logged internally rather than propagated, since an observability
	// failure must never fail the durability-critical call it annotates.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation.
	EmitBatch(events []Event)

	// Flush blocks until any buffered events have been delivered, or ctx is
	// done. Emitters with no internal buffering may treat this as a no-op.
	Flush(ctx context.Context) error
}

// Multi fans a single Emit/EmitBatch/Flush call out to several emitters,
// e.g. a LogEmitter for local debugging plus an OTel emitter for tracing.
type Multi struct {
	Emitters []Emitter
}

func (m Multi) Emit(event Event) {
	for _, e := range m.Emitters {
		e.Emit(event)
	}
}

func (m Multi) EmitBatch(events []Event) {
	for _, e := range m.Emitters {
		e.EmitBatch(events)
	}
}

func (m Multi) Flush(ctx context.Context) error {
	for _, e := range m.Emitters {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
