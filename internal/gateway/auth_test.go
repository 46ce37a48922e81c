package gateway

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every test here gets its own harness so the auth tier's burst of five is a
// per-test budget, not a shared one.

func TestSignupIssuesGrant(t *testing.T) {
	h := newGatewayHarness(t)

	grant := h.signup(t, "alice")
	assert.Equal(t, "alice", grant.User.Username)
	assert.Equal(t, "alice@example.com", grant.User.Email)
	assert.Equal(t, "user", grant.User.Role)
	assert.NotEmpty(t, grant.AccessToken)
	assert.NotEmpty(t, grant.CSRFToken)
	assert.NotEmpty(t, grant.RefreshToken)
	assert.Equal(t, 3600, grant.ExpiresIn)

	// The verification mail goes out as part of signup.
	assert.Equal(t, 1, h.notes.count())
	assert.NotEmpty(t, h.notes.lastToken(t, "verify-email"))

	var body errorBody
	status := h.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"username": "alice",
		"email":    "alice2@example.com",
	}, &body, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body.ErrorCode)
	assert.Equal(t, "username already taken", body.Error)

	status = h.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"username": "bob",
		"email":    "not-an-email",
	}, &body, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body.ErrorCode)

	status = h.do(t, http.MethodPost, "/auth/signup", map[string]string{
		"email": "bob@example.com",
	}, &body, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLogin(t *testing.T) {
	h := newGatewayHarness(t)
	created := h.signup(t, "bob")

	var grant tokenGrant
	status := h.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "bob"}, &grant, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.User.UserID, grant.User.UserID)
	assert.NotEmpty(t, grant.AccessToken)

	var body errorBody
	status = h.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "nobody"}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body.ErrorCode)

	status = h.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "  "}, &body, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRefreshRotatesToken(t *testing.T) {
	h := newGatewayHarness(t)
	grant := h.signup(t, "dave")

	var next tokenGrant
	status := h.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": grant.RefreshToken}, &next, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, grant.User.UserID, next.User.UserID)
	assert.NotEqual(t, grant.RefreshToken, next.RefreshToken)

	// The presented token was revoked by the rotation; a replay is dead.
	var body errorBody
	status = h.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": grant.RefreshToken}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "refresh token expired or revoked", body.Error)

	status = h.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": "no-separator"}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "malformed refresh token", body.Error)

	// Right token id, wrong secret.
	tokenID, _, ok := strings.Cut(next.RefreshToken, ".")
	require.True(t, ok)
	status = h.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": tokenID + ".wrong-secret"}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid refresh token", body.Error)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	h := newGatewayHarness(t)
	grant := h.signup(t, "erin")

	var out map[string]interface{}
	status := h.do(t, http.MethodPost, "/auth/logout",
		map[string]string{"refresh_token": grant.RefreshToken}, &out, &grant)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	// Logout is idempotent.
	status = h.do(t, http.MethodPost, "/auth/logout",
		map[string]string{"refresh_token": grant.RefreshToken}, &out, &grant)
	assert.Equal(t, http.StatusOK, status)

	var body errorBody
	status = h.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": grant.RefreshToken}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "refresh token expired or revoked", body.Error)
}

func TestEmailVerificationConsumesToken(t *testing.T) {
	h := newGatewayHarness(t)
	grant := h.signup(t, "frank")
	token := h.notes.lastToken(t, "verify-email")

	var out map[string]interface{}
	status := h.do(t, http.MethodPost, "/auth/verify", map[string]string{"token": token}, &out, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, grant.User.UserID, out["user_id"])

	var body errorBody
	status = h.do(t, http.MethodPost, "/auth/verify", map[string]string{"token": token}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid or expired token", body.Error)
}

func TestVerifyBurnsTokenOnBadSecret(t *testing.T) {
	h := newGatewayHarness(t)
	h.signup(t, "gina")
	token := h.notes.lastToken(t, "verify-email")

	tokenID, _, ok := strings.Cut(token, ".")
	require.True(t, ok)

	var body errorBody
	status := h.do(t, http.MethodPost, "/auth/verify",
		map[string]string{"token": tokenID + ".wrong-secret"}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid token", body.Error)

	// The failed attempt consumed the token: single use means single
	// attempt, not single success.
	status = h.do(t, http.MethodPost, "/auth/verify", map[string]string{"token": token}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid or expired token", body.Error)
}

func TestPasswordResetFlow(t *testing.T) {
	h := newGatewayHarness(t)
	grant := h.signup(t, "grace")

	var out map[string]interface{}
	status := h.do(t, http.MethodPost, "/auth/password-reset/request",
		map[string]string{"username": "grace"}, &out, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, 2, h.notes.count())

	// Unknown usernames answer accepted without sending anything.
	status = h.do(t, http.MethodPost, "/auth/password-reset/request",
		map[string]string{"username": "nobody"}, &out, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 2, h.notes.count())

	token := h.notes.lastToken(t, "password-reset")
	status = h.do(t, http.MethodPost, "/auth/password-reset/confirm",
		map[string]string{"token": token}, &out, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, grant.User.UserID, out["user_id"])

	var body errorBody
	status = h.do(t, http.MethodPost, "/auth/password-reset/confirm",
		map[string]string{"token": token}, &body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid or expired token", body.Error)
}
