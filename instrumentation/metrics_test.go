package instrumentation

import (
	"context"
	"errors"
	"testing"
)

func TestMetricsRecording(t *testing.T) {
	// The providers are no-op, so these verify the recording paths do not
	// panic and attribute construction is sound.
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, "GET", "/auth/session", 200, 1.5)
	m.RecordHTTPRequest(ctx, "POST", "/auth/email/signin", 302, 12.0)

	m.RecordSignIn(ctx, "google", true)
	m.RecordSignIn(ctx, "email", false)
	m.RecordAccountLinked(ctx, "github")
	m.RecordAccountUnlinked(ctx, "github")
	m.RecordEmailTokenIssued(ctx)
	m.RecordEmailTokenUsed(ctx, true)
	m.RecordEmailTokenUsed(ctx, false)

	m.RecordSessionCreated(ctx, false)
	m.RecordSessionCreated(ctx, true)
	m.RecordSessionRevalidated(ctx, false)
	m.RecordSessionRevalidated(ctx, true)
	m.RecordSessionExpired(ctx)

	m.RecordCSRFFailure(ctx, "unlink")
	m.RecordRateLimitExceeded(ctx, "ip")

	m.RecordStoreOperation(ctx, "find", "success", 0.3)
	m.RecordStoreOperation(ctx, "insert", "error", 2.1)
}

func TestRecordProviderAPICall(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()

	tests := []struct {
		name       string
		statusCode int
		err        error
	}{
		{"success", 200, nil},
		{"client error", 401, errors.New("unauthorized")},
		{"server error", 502, errors.New("bad gateway")},
		{"unknown error class", 0, errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.RecordProviderAPICall(ctx, "google", "fetch_profile",
				tt.statusCode, 4.2, tt.err)
		})
	}
}
