// Package auth verifies connection credentials. Tokens are HMAC-signed JWTs
// carrying the identity id and display name.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/chatcanvas/internal/apperr"
	"github.com/Tyrowin/chatcanvas/internal/presence"
)

// CookieName is the cookie a browser client presents its token in.
const CookieName = "session-token"

// Reason is the refusal reason reported to a client that failed to connect.
type Reason string

const (
	ReasonMissing   Reason = "missing_token"
	ReasonMalformed Reason = "malformed_token"
	ReasonExpired   Reason = "expired_token"
	ReasonInvalid   Reason = "invalid_token"
)

// RefusedError is returned when a credential is refused. It matches
// apperr.ErrAuthentication under errors.Is.
type RefusedError struct {
	Reason Reason
	Err    error
}

func (e *RefusedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *RefusedError) Unwrap() []error {
	if e.Err != nil {
		return []error{apperr.ErrAuthentication, e.Err}
	}
	return []error{apperr.ErrAuthentication}
}

// ReasonOf extracts the refusal reason from err, ReasonInvalid if err is not
// a refusal.
func ReasonOf(err error) Reason {
	var refused *RefusedError
	if errors.As(err, &refused) {
		return refused.Reason
	}
	return ReasonInvalid
}

// Claims is the token payload.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator verifies tokens against a shared secret.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns an Authenticator for the given secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate verifies token and returns the identity it names.
func (a *Authenticator) Authenticate(token string) (presence.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return presence.Identity{}, &RefusedError{Reason: ReasonMissing}
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return presence.Identity{}, &RefusedError{Reason: ReasonMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return presence.Identity{}, &RefusedError{Reason: ReasonExpired, Err: err}
	default:
		return presence.Identity{}, &RefusedError{Reason: ReasonInvalid, Err: err}
	}

	if claims.UserID == "" || claims.Username == "" {
		return presence.Identity{}, &RefusedError{Reason: ReasonInvalid, Err: errors.New("token names no identity")}
	}
	return presence.Identity{ID: claims.UserID, Name: claims.Username}, nil
}

// TokenFromRequest reads a token from the Authorization header, the token
// query parameter or the session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Issuer mints tokens. The real issuer lives with the login service; this
// one backs tooling and tests.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer whose tokens expire after ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for id.
func (i *Issuer) Issue(id presence.Identity) (string, error) {
	now := i.now()
	claims := Claims{
		UserID:   id.ID,
		Username: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
