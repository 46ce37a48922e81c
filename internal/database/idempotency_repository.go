package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// IdempotencyRepository caches responses on trading.db keyed by
// (user_id, request_id, scope)
type IdempotencyRepository struct {
	tradingDB *sql.DB
	log       zerolog.Logger
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(tradingDB *sql.DB, log zerolog.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		tradingDB: tradingDB,
		log:       log.With().Str("repo", "idempotency").Logger(),
	}
}

// GetCachedResponse looks up a cached response for the key. The bool reports
// whether a live entry was found; expired entries are treated as absent.
func (r *IdempotencyRepository) GetCachedResponse(userID, requestID string, scope IdempotencyScope, now time.Time) ([]byte, bool, error) {
	query := `
		SELECT response_json FROM request_idempotency
		WHERE user_id = ? AND request_id = ? AND scope = ? AND expires_at > ?
	`

	var response string
	err := r.tradingDB.QueryRow(query, userID, requestID, string(scope), now.Unix()).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached response: %w", err)
	}

	return []byte(response), true, nil
}

// PutCachedResponse stores a response under the key. Replaying the same key
// overwrites, so retried writes after a crash converge on one entry.
func (r *IdempotencyRepository) PutCachedResponse(userID, requestID string, scope IdempotencyScope, response []byte, now time.Time, ttl time.Duration) error {
	query := `
		INSERT INTO request_idempotency (user_id, request_id, scope, response_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, request_id, scope) DO UPDATE SET
			response_json = excluded.response_json,
			expires_at = excluded.expires_at
	`

	_, err := r.tradingDB.Exec(query,
		userID,
		requestID,
		string(scope),
		string(response),
		now.Unix(),
		now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}

	return nil
}

// PurgeExpiredResponses deletes entries past their expiry
func (r *IdempotencyRepository) PurgeExpiredResponses(now time.Time) (int64, error) {
	query := "DELETE FROM request_idempotency WHERE expires_at <= ?"

	result, err := r.tradingDB.Exec(query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired idempotency entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged idempotency entries: %w", err)
	}

	if affected > 0 {
		r.log.Debug().Int64("count", affected).Msg("Purged expired idempotency entries")
	}

	return affected, nil
}
