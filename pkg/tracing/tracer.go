// Package tracing wraps the OTel tracer used by the flows, the diff
// coordinator and the lock registry. Without a registered TracerProvider the
// global no-op provider makes every call inert.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

const tracerName = "branchgraph"

// Start opens a child span of ctx. The request id on ctx, if any, is added
// as request.id. The caller ends the span.
func Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := logger.RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("request.id", id))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. Application errors also set
// error.code so lock timeouts and conflicts can be told apart.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if appErr, ok := apperror.As(err); ok {
		span.SetAttributes(attribute.String("error.code", appErr.Code))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
