package emit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTel implements Emitter by creating zero-duration OpenTelemetry spans, one
// per event, carrying the event's fields as span attributes. Adapted from
// the teacher's graph/emit/otel.go OTelEmitter — same "event becomes a
// span" mapping, now over instance/checkpoint/container events instead of
// node-execution events.
type OTel struct {
	tracer trace.Tracer
}

// NewOTel creates an OTel emitter from a configured tracer, e.g.
// otel.Tracer("runtara/ip").
func NewOTel(tracer trace.Tracer) *OTel {
	return &OTel{tracer: tracer}
}

func (o *OTel) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Kind,
		trace.WithTimestamp(time.Now()))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("instance_id", event.InstanceID),
	}
	if event.Subtype != "" {
		attrs = append(attrs, attribute.String("subtype", event.Subtype))
	}
	if event.CheckpointID != "" {
		attrs = append(attrs, attribute.String("checkpoint_id", event.CheckpointID))
	}
	span.SetAttributes(attrs...)

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, toString(errVal))
	}
}

func (o *OTel) EmitBatch(events []Event) {
	for _, e := range events {
		o.Emit(e)
	}
}

func (o *OTel) Flush(context.Context) error { return nil }

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return ""
}
