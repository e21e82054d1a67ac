package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/presence"
)

const testSecret = "test-secret"

var alice = presence.Identity{ID: "u-alice", Name: "alice"}

func TestAuthenticateValidToken(t *testing.T) {
	token, err := NewIssuer(testSecret, time.Hour).Issue(alice)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	id, err := NewAuthenticator(testSecret).Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if id != alice {
		t.Fatalf("Authenticate returned %+v, want %+v", id, alice)
	}
}

func TestAuthenticateRefusals(t *testing.T) {
	expiredIssuer := NewIssuer(testSecret, time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredIssuer.Issue(alice)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	foreign, err := NewIssuer("other-secret", time.Hour).Issue(alice)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	anonymous, err := NewIssuer(testSecret, time.Hour).Issue(presence.Identity{})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:   alice.ID,
		Username: alice.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		reason Reason
	}{
		{"missing", "", ReasonMissing},
		{"blank", "   ", ReasonMissing},
		{"malformed", "not-a-jwt", ReasonMalformed},
		{"expired", expired, ReasonExpired},
		{"wrong secret", foreign, ReasonInvalid},
		{"no identity", anonymous, ReasonInvalid},
		{"unsigned", noneAlg, ReasonInvalid},
	}

	a := NewAuthenticator(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(tt.token)
			if err == nil {
				t.Fatal("expected refusal")
			}
			if got := ReasonOf(err); got != tt.reason {
				t.Fatalf("reason = %s, want %s (err: %v)", got, tt.reason, err)
			}
			if !errors.Is(err, apperr.ErrAuthentication) {
				t.Fatalf("refusal should match apperr.ErrAuthentication: %v", err)
			}
			if apperr.KindOf(err) != apperr.KindAuthentication {
				t.Fatalf("kind = %s, want authentication", apperr.KindOf(err))
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"none", func(*http.Request) {}, ""},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"lowercase bearer", func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") }, "abc"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "fromcookie"}) }, "fromcookie"},
		{"header wins over cookie", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer fromheader")
			r.AddCookie(&http.Cookie{Name: CookieName, Value: "fromcookie"})
		}, "fromheader"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			if got := TokenFromRequest(r); got != tt.want {
				t.Fatalf("TokenFromRequest = %q, want %q", got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	if got := TokenFromRequest(r); got != "fromquery" {
		t.Fatalf("TokenFromRequest = %q, want fromquery", got)
	}
}
