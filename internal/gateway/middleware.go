package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradesim/tradesim/internal/errs"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// userID returns the authenticated user id stashed by requireAuth.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserID).(string)
	return id
}

func role(ctx context.Context) string {
	r, _ := ctx.Value(ctxRole).(string)
	return r
}

const userLockTTL = 30 * time.Second

// requireAuth authenticates the bearer token and the CSRF echo, then stashes
// the caller's identity in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeFailure(w, http.StatusUnauthorized, "missing_token", errs.KindAuthentication, "authorization header is required")
			return
		}

		claims, err := s.tokens.Claims(token)
		if err != nil {
			s.writeFailure(w, http.StatusUnauthorized, "invalid_token", errs.KindAuthentication, errs.MessageOf(err))
			return
		}

		csrf := r.Header.Get("X-CSRF-Token")
		if subtle.ConstantTimeCompare([]byte(csrf), []byte(s.tokens.CSRF(claims.UserID))) != 1 {
			s.writeFailure(w, http.StatusUnauthorized, "invalid_csrf", errs.KindAuthentication, "missing or invalid CSRF token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the admin surface. Runs after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role(r.Context()) != "admin" {
			s.writeFailure(w, http.StatusForbidden, "forbidden", errs.KindAuthorization, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitAuth throttles the unauthenticated auth endpoints by client address.
func (s *Server) limitAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(authTier, "auth:"+clientIP(r)) {
			s.writeFailure(w, http.StatusTooManyRequests, "rate_limited", errs.KindUnavailable, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitAPI throttles authenticated routes per user. Runs after requireAuth
// so the bucket key is stable across the user's devices, and so invalid
// tokens never drain the budget.
func (s *Server) limitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := userID(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		if !s.limiter.allow(apiTier, "api:"+key) {
			s.writeFailure(w, http.StatusTooManyRequests, "rate_limited", errs.KindUnavailable, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withUserLock serializes mutating trading calls per user through a leased
// lock. A busy lease answers 503 so the client backs off instead of racing
// its own in-flight request; a crashed holder's lease lapses with the TTL.
func (s *Server) withUserLock(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userID(r.Context())
		key := "user:" + user
		owner := uuid.NewString()

		ok, err := s.db.TryAcquireLock(key, owner, userLockTTL, time.Now().UTC())
		if err != nil {
			s.writeError(w, errs.Wrap(errs.KindInternal, "lock acquisition failed", err))
			return
		}
		if !ok {
			s.writeFailure(w, http.StatusServiceUnavailable, "lock_busy", errs.KindConflict, "another request for this user is in flight")
			return
		}
		defer func() {
			if _, err := s.db.ReleaseLock(key, owner); err != nil {
				s.log.Warn().Err(err).Str("user_id", user).Msg("User lock release failed")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// clientIP strips the port from the remote address. chi's RealIP middleware
// has already resolved proxy headers by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
