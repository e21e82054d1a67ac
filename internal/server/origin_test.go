package server

import (
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

// TestOriginPolicy verifies normalization and matching of the Origin header.
func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://example.com", "https://App.Example.com:8443", "not a url", " "}, zaptest.NewLogger(t))

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://example.com", true},
		{"http://EXAMPLE.COM", true},
		{"HTTP://example.com", true},
		{"https://app.example.com:8443", true},
		{"https://app.example.com", false},
		{"https://example.com", false},
		{"http://evil.example", false},
		{"", false},
		{"not-a-url", false},
		{"http://", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := policy.checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, zaptest.NewLogger(t))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !policy.isAllowed(req) {
		t.Error("wildcard must allow any well-formed origin")
	}

	req.Header.Del("Origin")
	if policy.isAllowed(req) {
		t.Error("wildcard must still require an Origin header")
	}
}
