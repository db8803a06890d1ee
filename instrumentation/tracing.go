package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never put credential values (provider access tokens, session ids, CSRF
// tokens, email sign-in secrets) into span attributes. Only metadata such
// as provider names, operation names, and validation results belongs in
// observability data.
const (
	// Flow attributes
	AttrUserID   = "auth.user_id"
	AttrProvider = "auth.provider"
	AttrNewUser  = "auth.new_user"
	AttrLinkFlow = "auth.link_flow"

	// Session attributes
	AttrSessionState = "auth.session.state"

	// Store attributes
	AttrStoreOperation = "store.operation"
	AttrStoreResult    = "store.result"
	AttrStoreType      = "store.type"

	// Provider API attributes
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common sign-in flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, provider, userID string) {
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProvider, provider))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
}

// AddStoreAttributes adds store operation attributes to a span (nil-safe)
func AddStoreAttributes(span trace.Span, operation, storeType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStoreOperation, operation),
		attribute.String(AttrStoreType, storeType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
