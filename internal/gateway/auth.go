package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/errs"
)

// Credential verification belongs to the external auth service; these
// handlers keep its wire shape while granting on identity alone, which is
// what the rest of the platform needs to run self-contained.

const actionTokenTTL = 24 * time.Hour

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type actionTokenRequest struct {
	Token string `json:"token"`
}

// tokenGrant is the response to every successful auth call.
type tokenGrant struct {
	User         *domain.User `json:"user"`
	AccessToken  string       `json:"access_token"`
	CSRFToken    string       `json:"csrf_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" {
		s.writeError(w, errs.Validationf("username and email are required"))
		return
	}
	if !strings.Contains(req.Email, "@") {
		s.writeError(w, errs.Validationf("email is not valid"))
		return
	}

	existing, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to check username", err))
		return
	}
	if existing != nil {
		s.writeError(w, errs.Conflictf("username already taken"))
		return
	}

	user := domain.User{
		UserID:   uuid.NewString(),
		Username: req.Username,
		Email:    req.Email,
		Role:     "user",
	}
	if err := s.db.CreateUser(user); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to create user", err))
		return
	}

	created, err := s.db.GetUser(user.UserID)
	if err != nil || created == nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load created user", err))
		return
	}

	now := time.Now().UTC()
	s.sendActionToken(r, created, "verify-email", func(token domain.ActionToken) error {
		return s.db.SaveVerificationToken(token)
	})

	grant, err := s.grantFor(created, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		s.writeError(w, errs.Validationf("username is required"))
		return
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to look up user", err))
		return
	}
	if user == nil {
		s.writeError(w, errs.Authenticationf("unknown user"))
		return
	}

	grant, err := s.grantFor(user, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("user_id", user.UserID).Msg("User logged in")
	s.writeJSON(w, http.StatusOK, grant)
}

// handleRefresh rotates a refresh token: the presented token is revoked and
// a fresh grant issued, so a stolen token works at most once.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}

	tokenID, secret, ok := splitToken(req.RefreshToken)
	if !ok {
		s.writeError(w, errs.Authenticationf("malformed refresh token"))
		return
	}

	record, err := s.db.GetRefreshToken(tokenID)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load refresh token", err))
		return
	}
	now := time.Now().UTC()
	if record == nil || record.Revoked || now.After(record.ExpiresAt) {
		s.writeError(w, errs.Authenticationf("refresh token expired or revoked"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(record.TokenHash), []byte(hashSecret(secret))) != 1 {
		s.writeError(w, errs.Authenticationf("invalid refresh token"))
		return
	}

	user, err := s.db.GetUser(record.UserID)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load user", err))
		return
	}
	if user == nil {
		s.writeError(w, errs.Authenticationf("unknown user"))
		return
	}

	if err := s.db.RevokeRefreshToken(tokenID); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to rotate refresh token", err))
		return
	}

	grant, err := s.grantFor(user, now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grant)
}

// handleLogout revokes the presented refresh token when it belongs to the
// caller. Always answers success so repeated logouts stay idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		if tokenID, _, ok := splitToken(req.RefreshToken); ok {
			record, err := s.db.GetRefreshToken(tokenID)
			if err == nil && record != nil && record.UserID == userID(r.Context()) {
				if err := s.db.RevokeRefreshToken(tokenID); err != nil {
					s.log.Warn().Err(err).Str("token_id", tokenID).Msg("Refresh token revocation failed")
				}
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token, ok := s.consumeActionToken(w, r, s.db.ConsumeVerificationToken)
	if !ok {
		return
	}
	s.log.Info().Str("user_id", token.UserID).Msg("Email verified")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user_id": token.UserID})
}

// handlePasswordResetRequest always answers accepted so the endpoint does
// not leak which usernames exist.
func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}

	if user, err := s.db.GetUserByUsername(req.Username); err != nil {
		s.log.Warn().Err(err).Msg("Password reset lookup failed")
	} else if user != nil {
		s.sendActionToken(r, user, "password-reset", func(token domain.ActionToken) error {
			return s.db.SavePasswordResetToken(token)
		})
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

// handlePasswordResetConfirm burns the reset token. The credential change
// itself happens in the external auth service.
func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	token, ok := s.consumeActionToken(w, r, s.db.ConsumePasswordResetToken)
	if !ok {
		return
	}
	s.log.Info().Str("user_id", token.UserID).Msg("Password reset confirmed")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user_id": token.UserID})
}

// grantFor mints the access/CSRF pair and a fresh refresh token for the
// user. Only the hash of the refresh secret is persisted.
func (s *Server) grantFor(user *domain.User, now time.Time) (tokenGrant, error) {
	tokenID := uuid.NewString()
	secret := uuid.NewString()
	record := domain.RefreshToken{
		TokenID:   tokenID,
		UserID:    user.UserID,
		TokenHash: hashSecret(secret),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenExpiry),
	}
	if err := s.db.SaveRefreshToken(record); err != nil {
		return tokenGrant{}, errs.Wrap(errs.KindInternal, "failed to persist refresh token", err)
	}

	return tokenGrant{
		User:         user,
		AccessToken:  s.tokens.Issue(user.UserID, user.Role),
		CSRFToken:    s.tokens.CSRF(user.UserID),
		RefreshToken: tokenID + "." + secret,
		ExpiresIn:    int(s.tokens.TTL() / time.Second),
	}, nil
}

// sendActionToken persists a single-use token and mails its two-part value
// to the user. Notification failures are logged, not surfaced; the flow can
// be restarted by the user.
func (s *Server) sendActionToken(r *http.Request, user *domain.User, template string, save func(domain.ActionToken) error) {
	now := time.Now().UTC()
	tokenID := uuid.NewString()
	secret := uuid.NewString()

	record := domain.ActionToken{
		TokenID:   tokenID,
		UserID:    user.UserID,
		TokenHash: hashSecret(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(actionTokenTTL),
	}
	if err := save(record); err != nil {
		s.log.Error().Err(err).Str("user_id", user.UserID).Str("template", template).Msg("Action token save failed")
		return
	}

	err := s.notifier.Send(r.Context(), user.Email, "tradesim: "+template, template, map[string]string{
		"username": user.Username,
		"token":    tokenID + "." + secret,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.UserID).Str("template", template).Msg("Notification failed")
	}
}

// consumeActionToken decodes, burns, and verifies a single-use token from
// the request body. On failure it writes the error response and reports
// false.
func (s *Server) consumeActionToken(w http.ResponseWriter, r *http.Request,
	consume func(tokenID string, now time.Time) (*domain.ActionToken, error)) (*domain.ActionToken, bool) {

	var req actionTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return nil, false
	}

	tokenID, secret, ok := splitToken(req.Token)
	if !ok {
		s.writeError(w, errs.Authenticationf("malformed token"))
		return nil, false
	}

	token, err := consume(tokenID, time.Now().UTC())
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to consume token", err))
		return nil, false
	}
	if token == nil {
		s.writeError(w, errs.Authenticationf("invalid or expired token"))
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token.TokenHash), []byte(hashSecret(secret))) != 1 {
		s.writeError(w, errs.Authenticationf("invalid token"))
		return nil, false
	}
	return token, true
}

// hashSecret digests the secret half of a two-part token for storage.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// splitToken separates a two-part token into its id and secret.
func splitToken(token string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}
