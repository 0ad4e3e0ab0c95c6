package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrSessionID   = "session.id"
	AttrSessionName = "session.name"
	AttrBrokerName  = "broker.name"
	AttrBrokerURI   = "broker.uri"
	AttrEvalKind    = "eval.kind"
	AttrEvalExpr    = "eval.expr"
	AttrBlobID      = "blob.id"
	AttrBlobBytes   = "blob.bytes"
	AttrCanceled    = "canceled"
)

// Span names.
const (
	SpanStartHost    = "session.start_host"
	SpanStopHost     = "session.stop_host"
	SpanEvaluate     = "session.evaluate"
	SpanCancelAll    = "session.cancel_all"
	SpanInteraction  = "session.interaction"
	SpanSendBlob     = "transfer.send"
	SpanFetchBlob    = "transfer.fetch"
	SpanSwitchBroker = "provider.switch_broker"
	SpanRemoveBroker = "provider.remove_broker"
)

const instrumentationName = "github.com/microsoft/RTVS-sub005"

// Tracer returns t, or the global tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(instrumentationName)
}

// Start begins a span on t (or the global tracer).
func Start(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(t).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes span, recording err. Cancellation is recorded as an
// attribute rather than an error.
func End(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		span.SetAttributes(attribute.Bool(AttrCanceled, true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
