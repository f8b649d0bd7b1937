package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
// This is a convenience wrapper around otel.Tracer().Start() with common patterns.
//
// Usage in services:
//
//	ctx, span := telemetry.StartSpan(ctx, TracerIAM, "iam.PasswordSignIn",
//	    attribute.String(telemetry.AttrAuthMethod, "password"),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
// Use for business events like lockouts and policy denials.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Tracer names
const (
	TracerIAM    = "authgate/services/iam"
	TracerServer = "authgate/server"
)

// Common span attribute keys
const (
	AttrPrincipalID     = "principal.id"
	AttrPrincipalMethod = "principal.method"

	AttrPolicyName    = "policy.name"
	AttrPolicyAllowed = "policy.allowed"

	AttrProvider = "federation.provider"
)
