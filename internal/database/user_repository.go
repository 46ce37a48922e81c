package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

// usersColumns is the column list for the users table.
// Order must match scanUser.
const usersColumns = `user_id, username, email, role, created_at, updated_at`

const refreshTokensColumns = `token_id, user_id, token_hash, issued_at, expires_at, revoked`

// UserRepository handles user, token, and feedback operations on auth.db
type UserRepository struct {
	authDB *sql.DB
	log    zerolog.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(authDB *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{
		authDB: authDB,
		log:    log.With().Str("repo", "user").Logger(),
	}
}

// CreateUser inserts a new user record
func (r *UserRepository) CreateUser(user domain.User) error {
	now := time.Now().Unix()

	query := `
		INSERT INTO users (user_id, username, email, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.authDB.Exec(query,
		user.UserID,
		strings.ToLower(strings.TrimSpace(user.Username)),
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.Role,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.log.Info().
		Str("user_id", user.UserID).
		Str("username", user.Username).
		Msg("User created")

	return nil
}

// GetUser retrieves a user by ID. Returns nil when not found.
func (r *UserRepository) GetUser(userID string) (*domain.User, error) {
	query := "SELECT " + usersColumns + " FROM users WHERE user_id = ?"

	row := r.authDB.QueryRow(query, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetUserByUsername retrieves a user by username. Returns nil when not found.
func (r *UserRepository) GetUserByUsername(username string) (*domain.User, error) {
	query := "SELECT " + usersColumns + " FROM users WHERE username = ?"

	row := r.authDB.QueryRow(query, strings.ToLower(strings.TrimSpace(username)))
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return &user, nil
}

// SaveRefreshToken inserts a refresh token record
func (r *UserRepository) SaveRefreshToken(token domain.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token_id, user_id, token_hash, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.authDB.Exec(query,
		token.TokenID,
		token.UserID,
		token.TokenHash,
		token.IssuedAt.Unix(),
		token.ExpiresAt.Unix(),
		boolToInt(token.Revoked),
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	return nil
}

// GetRefreshToken retrieves a refresh token by ID. Returns nil when not found.
func (r *UserRepository) GetRefreshToken(tokenID string) (*domain.RefreshToken, error) {
	query := "SELECT " + refreshTokensColumns + " FROM refresh_tokens WHERE token_id = ?"

	var token domain.RefreshToken
	var issuedAt, expiresAt int64
	var revoked int

	err := r.authDB.QueryRow(query, tokenID).Scan(
		&token.TokenID,
		&token.UserID,
		&token.TokenHash,
		&issuedAt,
		&expiresAt,
		&revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	token.IssuedAt = time.Unix(issuedAt, 0).UTC()
	token.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	token.Revoked = revoked != 0

	return &token, nil
}

// RevokeRefreshToken marks a refresh token revoked
func (r *UserRepository) RevokeRefreshToken(tokenID string) error {
	query := "UPDATE refresh_tokens SET revoked = 1 WHERE token_id = ?"

	result, err := r.authDB.Exec(query, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check revoke result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("refresh token not found: %s", tokenID)
	}

	return nil
}

// PurgeExpiredRefreshTokens deletes tokens past their expiry
func (r *UserRepository) PurgeExpiredRefreshTokens(now time.Time) (int64, error) {
	query := "DELETE FROM refresh_tokens WHERE expires_at < ?"

	result, err := r.authDB.Exec(query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired refresh tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged refresh tokens: %w", err)
	}

	if affected > 0 {
		r.log.Debug().Int64("count", affected).Msg("Purged expired refresh tokens")
	}

	return affected, nil
}

// SaveVerificationToken inserts an email verification token
func (r *UserRepository) SaveVerificationToken(token domain.ActionToken) error {
	return r.saveActionToken("verification_tokens", token)
}

// ConsumeVerificationToken atomically consumes a verification token.
// Returns nil when the token is missing, expired, or already consumed.
func (r *UserRepository) ConsumeVerificationToken(tokenID string, now time.Time) (*domain.ActionToken, error) {
	return r.consumeActionToken("verification_tokens", tokenID, now)
}

// SavePasswordResetToken inserts a password reset token
func (r *UserRepository) SavePasswordResetToken(token domain.ActionToken) error {
	return r.saveActionToken("password_reset_tokens", token)
}

// ConsumePasswordResetToken atomically consumes a password reset token.
// Returns nil when the token is missing, expired, or already consumed.
func (r *UserRepository) ConsumePasswordResetToken(tokenID string, now time.Time) (*domain.ActionToken, error) {
	return r.consumeActionToken("password_reset_tokens", tokenID, now)
}

func (r *UserRepository) saveActionToken(table string, token domain.ActionToken) error {
	query := `
		INSERT INTO ` + table + ` (token_id, user_id, token_hash, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, 0)
	`

	_, err := r.authDB.Exec(query,
		token.TokenID,
		token.UserID,
		token.TokenHash,
		token.CreatedAt.Unix(),
		token.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save token in %s: %w", table, err)
	}

	return nil
}

func (r *UserRepository) consumeActionToken(table, tokenID string, now time.Time) (*domain.ActionToken, error) {
	var token domain.ActionToken

	err := WithTransaction(r.authDB, func(tx *sql.Tx) error {
		query := `
			SELECT token_id, user_id, token_hash, created_at, expires_at, consumed
			FROM ` + table + ` WHERE token_id = ?
		`

		var createdAt, expiresAt int64
		var consumed int
		err := tx.QueryRow(query, tokenID).Scan(
			&token.TokenID,
			&token.UserID,
			&token.TokenHash,
			&createdAt,
			&expiresAt,
			&consumed,
		)
		if err != nil {
			return err
		}

		token.CreatedAt = time.Unix(createdAt, 0).UTC()
		token.ExpiresAt = time.Unix(expiresAt, 0).UTC()

		if consumed != 0 {
			return fmt.Errorf("token already consumed")
		}
		if now.After(token.ExpiresAt) {
			return fmt.Errorf("token expired")
		}

		update := "UPDATE " + table + " SET consumed = 1 WHERE token_id = ?"
		if _, err := tx.Exec(update, tokenID); err != nil {
			return err
		}

		token.Consumed = true
		return nil
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "already consumed") || strings.Contains(err.Error(), "token expired") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume token from %s: %w", table, err)
	}

	return &token, nil
}

// SaveFeedback inserts a feedback submission
func (r *UserRepository) SaveFeedback(feedback domain.Feedback) error {
	query := `
		INSERT INTO feedback (feedback_id, user_id, category, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	createdAt := feedback.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.authDB.Exec(query,
		feedback.FeedbackID,
		feedback.UserID,
		feedback.Category,
		feedback.Message,
		createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}

	r.log.Info().
		Str("user_id", feedback.UserID).
		Str("category", feedback.Category).
		Msg("Feedback saved")

	return nil
}

// ListFeedback retrieves feedback for a user, most recent first
func (r *UserRepository) ListFeedback(userID string, limit int) ([]domain.Feedback, error) {
	query := `
		SELECT feedback_id, user_id, category, message, created_at
		FROM feedback
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.authDB.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var items []domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var createdAt int64
		if err := rows.Scan(&fb.FeedbackID, &fb.UserID, &fb.Category, &fb.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		fb.CreatedAt = time.Unix(createdAt, 0).UTC()
		items = append(items, fb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback: %w", err)
	}

	return items, nil
}

func scanUser(row *sql.Row) (domain.User, error) {
	var user domain.User
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID,
		&user.Username,
		&user.Email,
		&user.Role,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return user, err
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return user, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
