package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/session"
	"github.com/nextsession/authkit/userstore"
	"github.com/nextsession/authkit/verification"
)

func TestAuthErrorFormatting(t *testing.T) {
	err := NewAuthError(KindDuplicateKey, "email taken", http.StatusConflict)
	if err.Error() != "duplicate_key: email taken" {
		t.Errorf("unexpected error string: %q", err.Error())
	}
}

func TestKindOfAndStatusOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{"classified", ErrAlreadyLinked("taken"), KindAlreadyLinked, http.StatusConflict},
		{"wrapped classified", fmt.Errorf("outer: %w", ErrSessionExpired("gone")), KindSessionExpired, http.StatusUnauthorized},
		{"plain error", errors.New("boom"), KindServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf: got %q, want %q", got, tt.wantKind)
			}
			if got := StatusOf(tt.err); got != tt.wantStatus {
				t.Errorf("StatusOf: got %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"duplicate key", fmt.Errorf("%w: email", userstore.ErrDuplicateKey), KindDuplicateKey},
		{"unserializable", userstore.ErrUnserializable, KindSerializationError},
		{"user store down", fmt.Errorf("%w: timeout", userstore.ErrUnavailable), KindStoreUnavailable},
		{"session store down", fmt.Errorf("%w: timeout", session.ErrUnavailable), KindStoreUnavailable},
		{"verification store down", fmt.Errorf("%w: timeout", verification.ErrUnavailable), KindStoreUnavailable},
		{"unknown provider", fmt.Errorf("%w: gitlab", providers.ErrUnknownProvider), KindUnknownProvider},
		{"invalid token", verification.ErrInvalidToken, KindInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(classify(tt.err)); got != tt.wantKind {
				t.Errorf("got %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) should stay nil")
	}

	// Already-classified errors keep their kind.
	already := ErrRateLimited("slow down")
	if got := classify(already); got != already {
		t.Errorf("classified error was rewrapped: %v", got)
	}

	// Unknown errors pass through unchanged rather than being swallowed.
	plain := errors.New("boom")
	if got := classify(plain); got != plain {
		t.Errorf("plain error was rewritten: %v", got)
	}
}
