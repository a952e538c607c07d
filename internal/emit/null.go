package emit

import "context"

// NullEmitter discards all events. Useful as the default for tests and for
// deployments that need no event output.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)             {}
func (NullEmitter) EmitBatch([]Event)      {}
func (NullEmitter) Flush(context.Context) error { return nil }
