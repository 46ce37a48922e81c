package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LockRepository implements leased locks on coordination.db. A lock is held
// until released or its lease lapses; a later acquire steals a lapsed lease.
type LockRepository struct {
	coordDB *sql.DB
	log     zerolog.Logger
}

// NewLockRepository creates a new lock repository
func NewLockRepository(coordDB *sql.DB, log zerolog.Logger) *LockRepository {
	return &LockRepository{
		coordDB: coordDB,
		log:     log.With().Str("repo", "lock").Logger(),
	}
}

// TryAcquireLock attempts to take the lock. Returns true when acquired,
// false when another owner holds a live lease. Re-acquiring with the same
// owner token extends the lease.
func (r *LockRepository) TryAcquireLock(key, ownerToken string, ttl time.Duration, now time.Time) (bool, error) {
	nowUnix := now.Unix()
	expiresAt := now.Add(ttl).Unix()

	// The conditional upsert makes acquire a single atomic statement: insert
	// wins a free key, the update clause wins a lapsed or self-owned lease.
	query := `
		INSERT INTO locks (lock_key, owner_token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			owner_token = excluded.owner_token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.owner_token = excluded.owner_token
	`

	result, err := r.coordDB.Exec(query, key, ownerToken, nowUnix, expiresAt, nowUnix)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock acquisition: %w", err)
	}

	acquired := affected > 0
	if acquired {
		r.log.Debug().
			Str("lock_key", key).
			Str("owner", ownerToken).
			Msg("Lock acquired")
	}

	return acquired, nil
}

// ReleaseLock frees the lock when the owner token matches. Returns false
// when the lock is absent or held by someone else.
func (r *LockRepository) ReleaseLock(key, ownerToken string) (bool, error) {
	query := "DELETE FROM locks WHERE lock_key = ? AND owner_token = ?"

	result, err := r.coordDB.Exec(query, key, ownerToken)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock release: %w", err)
	}

	released := affected > 0
	if released {
		r.log.Debug().Str("lock_key", key).Msg("Lock released")
	}

	return released, nil
}

// PurgeExpiredLocks deletes lapsed leases. Acquire already steals lapsed
// leases; this keeps the table small.
func (r *LockRepository) PurgeExpiredLocks(now time.Time) (int64, error) {
	query := "DELETE FROM locks WHERE expires_at <= ?"

	result, err := r.coordDB.Exec(query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired locks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged locks: %w", err)
	}

	return affected, nil
}

// HeldBy reports the current owner of a live lease, empty when free
func (r *LockRepository) HeldBy(key string, now time.Time) (string, error) {
	query := "SELECT owner_token FROM locks WHERE lock_key = ? AND expires_at > ?"

	var owner string
	err := r.coordDB.QueryRow(query, key, now.Unix()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect lock %s: %w", key, err)
	}

	return owner, nil
}
