package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		forward string
		realIP  string
		remote  string
		want    string
	}{
		{"forwarded single", "203.0.113.7", "", "10.0.0.1:1234", "203.0.113.7"},
		{"forwarded chain uses first", "203.0.113.7, 10.0.0.2", "", "10.0.0.1:1234", "203.0.113.7"},
		{"real ip fallback", "", "203.0.113.7", "10.0.0.1:1234", "203.0.113.7"},
		{"remote addr fallback", "", "", "10.0.0.1:1234", "10.0.0.1"},
		{"remote addr without port", "", "", "10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.forward != "" {
				r.Header.Set("X-Forwarded-For", tt.forward)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := ClientIP(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
