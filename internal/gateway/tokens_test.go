package gateway

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/errs"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("signing-secret", time.Hour)

	token := tokens.Issue("user-1", "admin")
	claims, err := tokens.Claims(token)
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)

	userID, err := tokens.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestTokensRejectForeignSignature(t *testing.T) {
	tokens := NewTokens("signing-secret", time.Hour)
	forged := NewTokens("other-secret", time.Hour).Issue("user-1", "admin")

	_, err := tokens.Claims(forged)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
	assert.Equal(t, "invalid token signature", errs.MessageOf(err))
}

func TestTokensExpire(t *testing.T) {
	tokens := NewTokens("signing-secret", time.Hour)
	token := tokens.Issue("user-1", "user")

	tokens.SetNowFunc(func() time.Time { return time.Now().Add(2 * time.Hour) })

	_, err := tokens.Claims(token)
	require.Error(t, err)
	assert.Equal(t, "token expired", errs.MessageOf(err))
}

func TestTokensMalformedInputs(t *testing.T) {
	tokens := NewTokens("signing-secret", time.Hour)

	// Correctly signed tokens around broken payloads isolate each decode
	// step's failure from the signature check.
	signed := func(payload string) string {
		return payload + "." + tokens.sign(payload)
	}
	encode := func(raw string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(raw))
	}

	cases := []struct {
		name  string
		token string
		want  string
	}{
		{"no separator", "justonechunk", "malformed token"},
		{"appended byte", tokens.Issue("user-1", "user") + "x", "invalid token signature"},
		{"payload not base64", signed("%%not-base64%%"), "malformed token payload"},
		{"missing fields", signed(encode("user-1|user")), "malformed token payload"},
		{"expiry not numeric", signed(encode("user-1|user|soon")), "malformed token expiry"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tokens.Claims(tc.token)
			require.Error(t, err)
			assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
			assert.Equal(t, tc.want, errs.MessageOf(err))
		})
	}
}

func TestCSRFBoundToUserAndSecret(t *testing.T) {
	tokens := NewTokens("signing-secret", time.Hour)

	assert.Equal(t, tokens.CSRF("user-1"), tokens.CSRF("user-1"))
	assert.NotEqual(t, tokens.CSRF("user-1"), tokens.CSRF("user-2"))
	assert.NotEqual(t, tokens.CSRF("user-1"), NewTokens("other-secret", time.Hour).CSRF("user-1"))
}
