package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

// sessionsColumns is the column list for the active_sessions table.
// Order must match scanSession and scanSessionFromRows.
const sessionsColumns = `session_id, user_id, device_id, pod_name, status, created_at, last_active, expires_at`

// SessionRepository handles session binding operations on sessions.db
type SessionRepository struct {
	sessionsDB *sql.DB
	log        zerolog.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(sessionsDB *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		sessionsDB: sessionsDB,
		log:        log.With().Str("repo", "session").Logger(),
	}
}

// CreateSession inserts a new session record
func (r *SessionRepository) CreateSession(session domain.Session) error {
	query := `
		INSERT INTO active_sessions
		(session_id, user_id, device_id, pod_name, status, created_at, last_active, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.sessionsDB.Exec(query,
		session.SessionID,
		session.UserID,
		session.DeviceID,
		session.PodName,
		string(session.Status),
		session.CreatedAt.Unix(),
		session.LastActive.Unix(),
		session.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Info().
		Str("session_id", session.SessionID).
		Str("user_id", session.UserID).
		Str("device_id", session.DeviceID).
		Msg("Session created")

	return nil
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (r *SessionRepository) GetSession(sessionID string) (*domain.Session, error) {
	query := "SELECT " + sessionsColumns + " FROM active_sessions WHERE session_id = ?"

	row := r.sessionsDB.QueryRow(query, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// GetActiveSessionByUser retrieves the user's live session, if any. A user
// holds at most one ACTIVE or RECONNECTING session at a time; when duplicates
// exist after a crash the most recent wins.
func (r *SessionRepository) GetActiveSessionByUser(userID string) (*domain.Session, error) {
	query := `
		SELECT ` + sessionsColumns + ` FROM active_sessions
		WHERE user_id = ? AND status IN ('ACTIVE', 'RECONNECTING')
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.sessionsDB.QueryRow(query, userID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session for user: %w", err)
	}

	return &session, nil
}

// UpdateSessionStatus transitions a session's status
func (r *SessionRepository) UpdateSessionStatus(sessionID string, status domain.SessionStatus, at time.Time) error {
	query := "UPDATE active_sessions SET status = ?, last_active = ? WHERE session_id = ?"

	result, err := r.sessionsDB.Exec(query, string(status), at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session status update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	r.log.Debug().
		Str("session_id", sessionID).
		Str("status", string(status)).
		Msg("Session status updated")

	return nil
}

// UpdateSessionDevice rebinds the session to a new device
func (r *SessionRepository) UpdateSessionDevice(sessionID, deviceID string, at time.Time) error {
	query := "UPDATE active_sessions SET device_id = ?, last_active = ? WHERE session_id = ?"

	result, err := r.sessionsDB.Exec(query, deviceID, at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session device update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

// UpdateSessionPod records the simulator pod serving the session
func (r *SessionRepository) UpdateSessionPod(sessionID, podName string, at time.Time) error {
	query := "UPDATE active_sessions SET pod_name = ?, last_active = ? WHERE session_id = ?"

	result, err := r.sessionsDB.Exec(query, podName, at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session pod: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session pod update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

// TouchSession refreshes the session's last_active timestamp
func (r *SessionRepository) TouchSession(sessionID string, at time.Time) error {
	query := "UPDATE active_sessions SET last_active = ? WHERE session_id = ?"

	if _, err := r.sessionsDB.Exec(query, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return nil
}

// DeleteSession removes a session and its metadata (cascade)
func (r *SessionRepository) DeleteSession(sessionID string) error {
	query := "DELETE FROM active_sessions WHERE session_id = ?"

	if _, err := r.sessionsDB.Exec(query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// ListSessionsByStatus retrieves sessions in a given status, oldest first
func (r *SessionRepository) ListSessionsByStatus(status domain.SessionStatus) ([]domain.Session, error) {
	query := `
		SELECT ` + sessionsColumns + ` FROM active_sessions
		WHERE status = ?
		ORDER BY created_at ASC
	`

	rows, err := r.sessionsDB.Query(query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSessionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ExpireSessionsBefore marks live sessions idle past the cutoff as INACTIVE.
// Returns the number of sessions transitioned.
func (r *SessionRepository) ExpireSessionsBefore(cutoff time.Time, at time.Time) (int64, error) {
	query := `
		UPDATE active_sessions
		SET status = 'INACTIVE', last_active = ?
		WHERE status IN ('ACTIVE', 'RECONNECTING') AND last_active < ?
	`

	result, err := r.sessionsDB.Exec(query, at.Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired sessions: %w", err)
	}

	if affected > 0 {
		r.log.Info().Int64("count", affected).Msg("Stale sessions marked inactive")
	}

	return affected, nil
}

// SaveSessionMetadata upserts the enumerated metadata row for a session
func (r *SessionRepository) SaveSessionMetadata(sessionID string, meta domain.SessionMetadata) error {
	query := `
		INSERT INTO session_metadata
		(session_id, device_id, simulator_id, simulator_status, simulator_endpoint,
		 ip_address, connection_quality, heartbeat_latency, missed_heartbeats,
		 reconnect_count, termination_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			device_id = excluded.device_id,
			simulator_id = excluded.simulator_id,
			simulator_status = excluded.simulator_status,
			simulator_endpoint = excluded.simulator_endpoint,
			ip_address = excluded.ip_address,
			connection_quality = excluded.connection_quality,
			heartbeat_latency = excluded.heartbeat_latency,
			missed_heartbeats = excluded.missed_heartbeats,
			reconnect_count = excluded.reconnect_count,
			termination_reason = excluded.termination_reason,
			updated_at = excluded.updated_at
	`

	_, err := r.sessionsDB.Exec(query,
		sessionID,
		meta.DeviceID,
		meta.SimulatorID,
		string(meta.SimulatorStatus),
		meta.SimulatorEndpoint,
		meta.IPAddress,
		string(meta.ConnectionQuality),
		meta.HeartbeatLatency,
		meta.MissedHeartbeats,
		meta.ReconnectCount,
		meta.TerminationReason,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session metadata: %w", err)
	}

	return nil
}

// GetSessionMetadata retrieves the metadata row for a session. Returns nil
// when none exists.
func (r *SessionRepository) GetSessionMetadata(sessionID string) (*domain.SessionMetadata, error) {
	query := `
		SELECT device_id, simulator_id, simulator_status, simulator_endpoint,
		       ip_address, connection_quality, heartbeat_latency, missed_heartbeats,
		       reconnect_count, termination_reason
		FROM session_metadata
		WHERE session_id = ?
	`

	var meta domain.SessionMetadata
	var simStatus, quality string

	err := r.sessionsDB.QueryRow(query, sessionID).Scan(
		&meta.DeviceID,
		&meta.SimulatorID,
		&simStatus,
		&meta.SimulatorEndpoint,
		&meta.IPAddress,
		&quality,
		&meta.HeartbeatLatency,
		&meta.MissedHeartbeats,
		&meta.ReconnectCount,
		&meta.TerminationReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session metadata: %w", err)
	}

	meta.SimulatorStatus = domain.SimulatorStatus(simStatus)
	meta.ConnectionQuality = domain.ConnectionQuality(quality)

	return &meta, nil
}

func scanSession(row *sql.Row) (domain.Session, error) {
	var session domain.Session
	var status string
	var createdAt, lastActive, expiresAt int64

	err := row.Scan(
		&session.SessionID,
		&session.UserID,
		&session.DeviceID,
		&session.PodName,
		&status,
		&createdAt,
		&lastActive,
		&expiresAt,
	)
	if err != nil {
		return session, err
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.LastActive = time.Unix(lastActive, 0).UTC()
	session.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	return session, nil
}

func scanSessionFromRows(rows *sql.Rows) (domain.Session, error) {
	var session domain.Session
	var status string
	var createdAt, lastActive, expiresAt int64

	err := rows.Scan(
		&session.SessionID,
		&session.UserID,
		&session.DeviceID,
		&session.PodName,
		&status,
		&createdAt,
		&lastActive,
		&expiresAt,
	)
	if err != nil {
		return session, err
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.Unix(createdAt, 0).UTC()
	session.LastActive = time.Unix(lastActive, 0).UTC()
	session.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	return session, nil
}
