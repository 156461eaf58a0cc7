package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for BoardPilot spans.
var (
	AttrOrgID      = attribute.Key("boardpilot.org.id")
	AttrProjectID  = attribute.Key("boardpilot.project.id")
	AttrUserID     = attribute.Key("boardpilot.user.id")
	AttrSessionID  = attribute.Key("boardpilot.session.id")
	AttrToolName   = attribute.Key("boardpilot.tool.name")
	AttrRecordID   = attribute.Key("boardpilot.record.id")
	AttrScheduleID = attribute.Key("boardpilot.schedule.id")
	AttrWebhookID  = attribute.Key("boardpilot.webhook.id")
	AttrModel      = attribute.Key("boardpilot.llm.model")
	AttrPersona    = attribute.Key("boardpilot.delegation.persona")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (API, webhook receiver).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
