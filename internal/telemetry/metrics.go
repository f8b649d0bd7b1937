package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ServerMetrics holds metric instruments for HTTP server telemetry.
type ServerMetrics struct {
	RequestCounter  metric.Int64Counter     // Total HTTP requests
	RequestDuration metric.Float64Histogram // HTTP request latency
	ErrorCounter    metric.Int64Counter     // Total HTTP errors (5xx)
}

// NewServerMetrics creates a new ServerMetrics instance with pre-configured instruments.
func NewServerMetrics() (*ServerMetrics, error) {
	meter := otel.Meter("authgate/http")

	requestCounter, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s
	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"http.server.error.count",
		metric.WithDescription("Total number of HTTP server errors (5xx)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		RequestCounter:  requestCounter,
		RequestDuration: requestDuration,
		ErrorCounter:    errorCounter,
	}, nil
}

// RecordRequest records an HTTP request with method, route, status, and duration.
func (m *ServerMetrics) RecordRequest(ctx context.Context, method, route, status string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.String(AttrHTTPStatusCode, status),
	)

	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, durationMs, attrs)

	if len(status) > 0 && status[0] == '5' {
		m.ErrorCounter.Add(ctx, 1, attrs)
	}
}

// AuthMetrics holds instruments for authentication and authorization outcomes.
type AuthMetrics struct {
	AuthAttempts    metric.Int64Counter
	AuthFailures    metric.Int64Counter
	AuthDuration    metric.Float64Histogram
	Lockouts        metric.Int64Counter
	PolicyDecisions metric.Int64Counter
}

// NewAuthMetrics creates the authentication metric instruments.
func NewAuthMetrics() (*AuthMetrics, error) {
	meter := otel.Meter("authgate/auth")

	authAttempts, err := meter.Int64Counter(
		"auth.attempts",
		metric.WithDescription("Total authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	authFailures, err := meter.Int64Counter(
		"auth.failures",
		metric.WithDescription("Total failed authentication attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	authDuration, err := meter.Float64Histogram(
		"auth.duration",
		metric.WithDescription("Authentication operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	lockouts, err := meter.Int64Counter(
		"auth.lockouts",
		metric.WithDescription("Sign-in attempts rejected by account lockout"),
		metric.WithUnit("{lockout}"),
	)
	if err != nil {
		return nil, err
	}

	policyDecisions, err := meter.Int64Counter(
		"auth.policy.decisions",
		metric.WithDescription("Policy evaluations by policy and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{
		AuthAttempts:    authAttempts,
		AuthFailures:    authFailures,
		AuthDuration:    authDuration,
		Lockouts:        lockouts,
		PolicyDecisions: policyDecisions,
	}, nil
}

// RecordAuth records an authentication attempt with result and duration.
// A nil receiver is a no-op.
func (a *AuthMetrics) RecordAuth(ctx context.Context, method string, success bool, durationMs float64) {
	if a == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAuthMethod, method), // session, bearer, password, federated
		attribute.Bool(AttrAuthSuccess, success),
	)

	a.AuthAttempts.Add(ctx, 1, attrs)
	a.AuthDuration.Record(ctx, durationMs, attrs)

	if !success {
		a.AuthFailures.Add(ctx, 1, attrs)
	}
}

// RecordLockout counts a sign-in rejected because the account is locked out.
func (a *AuthMetrics) RecordLockout(ctx context.Context) {
	if a == nil {
		return
	}
	a.Lockouts.Add(ctx, 1)
}

// RecordPolicyDecision counts a policy evaluation outcome.
func (a *AuthMetrics) RecordPolicyDecision(ctx context.Context, policy string, allowed bool) {
	if a == nil {
		return
	}
	a.PolicyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPolicyName, policy),
		attribute.Bool(AttrPolicyAllowed, allowed),
	))
}

// Common metric attribute keys
const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	AttrAuthMethod  = "auth.method"
	AttrAuthSuccess = "auth.success"
)
