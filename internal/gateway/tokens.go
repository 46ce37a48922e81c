package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tradesim/tradesim/internal/errs"
)

// Claims is the decoded payload of an access token.
type Claims struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// Tokens mints and validates HMAC-signed access tokens. It stands in for the
// external token issuer: callers only ever see an opaque bearer string, so
// swapping in the real issuer changes nothing at the call sites.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokens creates a token codec with the given signing secret and access
// token lifetime.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		ttl:    ttl,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the codec's clock. Tests use this to age tokens.
func (t *Tokens) SetNowFunc(fn func() time.Time) {
	t.nowFn = fn
}

// TTL returns the access token lifetime.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue mints an access token for the user.
func (t *Tokens) Issue(userID, role string) string {
	payload := fmt.Sprintf("%s|%s|%d", userID, role, t.nowFn().Add(t.ttl).Unix())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + t.sign(encoded)
}

// Validate checks a token's signature and expiry, returning its user id.
func (t *Tokens) Validate(_ context.Context, token string) (string, error) {
	claims, err := t.Claims(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Claims verifies a token and returns its full payload.
func (t *Tokens) Claims(token string) (Claims, error) {
	encoded, sig, found := strings.Cut(token, ".")
	if !found {
		return Claims{}, errs.Authenticationf("malformed token")
	}
	if !hmac.Equal([]byte(sig), []byte(t.sign(encoded))) {
		return Claims{}, errs.Authenticationf("invalid token signature")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, errs.Authenticationf("malformed token payload")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return Claims{}, errs.Authenticationf("malformed token payload")
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Claims{}, errs.Authenticationf("malformed token expiry")
	}

	claims := Claims{
		UserID:    parts[0],
		Role:      parts[1],
		ExpiresAt: time.Unix(expiry, 0).UTC(),
	}
	if t.nowFn().After(claims.ExpiresAt) {
		return Claims{}, errs.Authenticationf("token expired")
	}
	return claims, nil
}

// CSRF derives the double-submit token for a user. Clients receive it at
// login and echo it back in X-CSRF-Token; the auth middleware recomputes
// and compares.
func (t *Tokens) CSRF(userID string) string {
	return t.sign("csrf|" + userID)
}

func (t *Tokens) sign(payload string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
