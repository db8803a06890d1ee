package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the identity subsystem
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Sign-in Flow Metrics
	SignInsTotal      metric.Int64Counter
	AccountsLinked    metric.Int64Counter
	AccountsUnlinked  metric.Int64Counter
	EmailTokensIssued metric.Int64Counter
	EmailTokensUsed   metric.Int64Counter

	// Session Metrics
	SessionsCreated     metric.Int64Counter
	SessionsRevalidated metric.Int64Counter
	SessionsExpired     metric.Int64Counter
	SessionsActive      metric.Int64ObservableGauge

	// Security Metrics
	CSRFFailures      metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Store Metrics
	StoreOperationTotal    metric.Int64Counter
	StoreOperationDuration metric.Float64Histogram
	UsersStored            metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	flowMeter := inst.Meter("flow")
	sessionMeter := inst.Meter("session")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.SignInsTotal, err = flowMeter.Int64Counter(
		"auth.signins.total",
		metric.WithDescription("Number of completed sign-ins"),
		metric.WithUnit("{signin}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signins.total counter: %w", err)
	}

	m.AccountsLinked, err = flowMeter.Int64Counter(
		"auth.accounts.linked",
		metric.WithDescription("Number of provider accounts linked"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts.linked counter: %w", err)
	}

	m.AccountsUnlinked, err = flowMeter.Int64Counter(
		"auth.accounts.unlinked",
		metric.WithDescription("Number of provider accounts unlinked"),
		metric.WithUnit("{unlink}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts.unlinked counter: %w", err)
	}

	m.EmailTokensIssued, err = flowMeter.Int64Counter(
		"auth.email_tokens.issued",
		metric.WithDescription("Number of email sign-in tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create email_tokens.issued counter: %w", err)
	}

	m.EmailTokensUsed, err = flowMeter.Int64Counter(
		"auth.email_tokens.used",
		metric.WithDescription("Number of email sign-in tokens consumed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create email_tokens.used counter: %w", err)
	}

	m.SessionsCreated, err = sessionMeter.Int64Counter(
		"auth.sessions.created",
		metric.WithDescription("Number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsRevalidated, err = sessionMeter.Int64Counter(
		"auth.sessions.revalidated",
		metric.WithDescription("Number of session user revalidations"),
		metric.WithUnit("{revalidation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.revalidated counter: %w", err)
	}

	m.SessionsExpired, err = sessionMeter.Int64Counter(
		"auth.sessions.expired",
		metric.WithDescription("Number of sessions expired on access"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.expired counter: %w", err)
	}

	m.SessionsActive, err = storageMeter.Int64ObservableGauge(
		"auth.sessions.active",
		metric.WithDescription("Number of live sessions in the store"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active gauge: %w", err)
	}

	m.CSRFFailures, err = securityMeter.Int64Counter(
		"auth.csrf.failures",
		metric.WithDescription("Number of CSRF token verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.failures counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"auth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"auth.store.operation.total",
		metric.WithDescription("Total number of user store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.total counter: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"auth.store.operation.duration",
		metric.WithDescription("User store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.operation.duration histogram: %w", err)
	}

	m.UsersStored, err = storageMeter.Int64ObservableGauge(
		"auth.users.stored",
		metric.WithDescription("Number of users in the store"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create users.stored gauge: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordSignIn records a completed sign-in
func (m *Metrics) RecordSignIn(ctx context.Context, provider string, newUser bool) {
	m.SignInsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("new_user", newUser),
	))
}

// RecordAccountLinked records a provider account link
func (m *Metrics) RecordAccountLinked(ctx context.Context, provider string) {
	m.AccountsLinked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordAccountUnlinked records a provider account unlink
func (m *Metrics) RecordAccountUnlinked(ctx context.Context, provider string) {
	m.AccountsUnlinked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordEmailTokenIssued records an issued email sign-in token
func (m *Metrics) RecordEmailTokenIssued(ctx context.Context) {
	m.EmailTokensIssued.Add(ctx, 1)
}

// RecordEmailTokenUsed records an email token consumption attempt
func (m *Metrics) RecordEmailTokenUsed(ctx context.Context, success bool) {
	m.EmailTokensUsed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordSessionCreated records a session creation
func (m *Metrics) RecordSessionCreated(ctx context.Context, authenticated bool) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("authenticated", authenticated),
	))
}

// RecordSessionRevalidated records a session user revalidation
func (m *Metrics) RecordSessionRevalidated(ctx context.Context, demoted bool) {
	m.SessionsRevalidated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("demoted", demoted),
	))
}

// RecordSessionExpired records a session rejected as expired
func (m *Metrics) RecordSessionExpired(ctx context.Context) {
	m.SessionsExpired.Add(ctx, 1)
}

// RecordCSRFFailure records a CSRF verification failure
func (m *Metrics) RecordCSRFFailure(ctx context.Context, action string) {
	m.CSRFFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStoreOperation records a user store operation
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StoreOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}
