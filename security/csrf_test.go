package security

import (
	"testing"
)

func TestNewCSRFTokenUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewCSRFToken()
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		if token == "" {
			t.Fatal("empty token")
		}
		if seen[token] {
			t.Fatalf("duplicate token after %d generations", i)
		}
		seen[token] = true
	}
}

func TestVerifyCSRFToken(t *testing.T) {
	token, err := NewCSRFToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	tests := []struct {
		name      string
		current   string
		submitted string
		want      bool
	}{
		{"matching tokens", token, token, true},
		{"mismatched tokens", token, token + "x", false},
		{"empty submitted", token, "", false},
		{"empty current", "", token, false},
		{"both empty never match", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyCSRFToken(tt.current, tt.submitted); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
