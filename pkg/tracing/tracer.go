package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Messaging keys follow the OpenTelemetry semantic
// conventions; hakhel keys identify the tenant and record being worked on.
const (
	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination"
	AttrMessagingOperation   = "messaging.operation"
	AttrKafkaPartition       = "messaging.kafka.partition"
	AttrKafkaOffset          = "messaging.kafka.offset"

	AttrCommunityID = "hakhel.community_id"
	AttrSubjectID   = "hakhel.subject_id"
	AttrIntentID    = "hakhel.intent_id"
	AttrIntentToken = "hakhel.intent_token"
	AttrOwner       = "hakhel.preference_owner"
	AttrChannel     = "hakhel.channel"
	AttrOutcome     = "hakhel.outcome"
)

// Tracer is a named OpenTelemetry tracer with span-kind shortcuts.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// GetTracer returns a tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.start(ctx, operation, trace.SpanKindInternal, attrs)
}

// StartServerSpan is for inbound HTTP requests.
func (t *Tracer) StartServerSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.start(ctx, operation, trace.SpanKindServer, attrs)
}

// StartClientSpan is for calls to Hebcal, Twilio, SendGrid and Kafka.
func (t *Tracer) StartClientSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.start(ctx, operation, trace.SpanKindClient, attrs)
}

func (t *Tracer) StartConsumerSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.start(ctx, operation, trace.SpanKindConsumer, attrs)
}

func (t *Tracer) start(ctx context.Context, operation string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. A nil error is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (t *Tracer) AddKafkaAttributes(span trace.Span, topic, operation string, partition int32, offset int64) {
	span.SetAttributes(
		attribute.String(AttrMessagingSystem, "kafka"),
		attribute.String(AttrMessagingDestination, topic),
		attribute.String(AttrMessagingOperation, operation),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
	)
}

// AddIntentAttributes tags a span with the intent a dispatch works on.
func (t *Tracer) AddIntentAttributes(span trace.Span, subjectID int64, token string, channel string) {
	span.SetAttributes(
		attribute.Int64(AttrSubjectID, subjectID),
		attribute.String(AttrIntentToken, token),
		attribute.String(AttrChannel, channel),
	)
}
