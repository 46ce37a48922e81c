package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

const simulatorsColumns = `simulator_id, session_id, user_id, endpoint, status, termination_reason, created_at, last_active`

// SimulatorRepository handles simulator instance records on sessions.db
type SimulatorRepository struct {
	sessionsDB *sql.DB
	log        zerolog.Logger
}

// NewSimulatorRepository creates a new simulator repository
func NewSimulatorRepository(sessionsDB *sql.DB, log zerolog.Logger) *SimulatorRepository {
	return &SimulatorRepository{
		sessionsDB: sessionsDB,
		log:        log.With().Str("repo", "simulator").Logger(),
	}
}

// CreateSimulator inserts a new simulator instance record
func (r *SimulatorRepository) CreateSimulator(sim domain.Simulator) error {
	query := `
		INSERT INTO simulator_instances
		(simulator_id, session_id, user_id, endpoint, status, termination_reason, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.sessionsDB.Exec(query,
		sim.SimulatorID,
		sim.SessionID,
		sim.UserID,
		sim.Endpoint,
		string(sim.Status),
		sim.TerminationReason,
		sim.CreatedAt.Unix(),
		sim.LastActive.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create simulator record: %w", err)
	}

	r.log.Info().
		Str("simulator_id", sim.SimulatorID).
		Str("session_id", sim.SessionID).
		Str("status", string(sim.Status)).
		Msg("Simulator record created")

	return nil
}

// GetSimulator retrieves a simulator by ID. Returns nil when not found.
func (r *SimulatorRepository) GetSimulator(simulatorID string) (*domain.Simulator, error) {
	query := "SELECT " + simulatorsColumns + " FROM simulator_instances WHERE simulator_id = ?"

	row := r.sessionsDB.QueryRow(query, simulatorID)
	sim, err := scanSimulator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulator: %w", err)
	}

	return &sim, nil
}

// GetSimulatorBySession retrieves the newest non-terminal simulator bound to
// a session. Returns nil when none exists.
func (r *SimulatorRepository) GetSimulatorBySession(sessionID string) (*domain.Simulator, error) {
	query := `
		SELECT ` + simulatorsColumns + ` FROM simulator_instances
		WHERE session_id = ? AND status NOT IN ('STOPPED', 'ERROR')
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.sessionsDB.QueryRow(query, sessionID)
	sim, err := scanSimulator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulator by session: %w", err)
	}

	return &sim, nil
}

// UpdateSimulatorStatus transitions a simulator's status, recording the
// termination reason when one applies
func (r *SimulatorRepository) UpdateSimulatorStatus(simulatorID string, status domain.SimulatorStatus, reason string, at time.Time) error {
	query := `
		UPDATE simulator_instances
		SET status = ?, termination_reason = ?, last_active = ?
		WHERE simulator_id = ?
	`

	result, err := r.sessionsDB.Exec(query, string(status), reason, at.Unix(), simulatorID)
	if err != nil {
		return fmt.Errorf("failed to update simulator status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check simulator status update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("simulator not found: %s", simulatorID)
	}

	r.log.Debug().
		Str("simulator_id", simulatorID).
		Str("status", string(status)).
		Msg("Simulator status updated")

	return nil
}

// UpdateSimulatorEndpoint records the gRPC endpoint once the pod is reachable
func (r *SimulatorRepository) UpdateSimulatorEndpoint(simulatorID, endpoint string, at time.Time) error {
	query := "UPDATE simulator_instances SET endpoint = ?, last_active = ? WHERE simulator_id = ?"

	result, err := r.sessionsDB.Exec(query, endpoint, at.Unix(), simulatorID)
	if err != nil {
		return fmt.Errorf("failed to update simulator endpoint: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check simulator endpoint update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("simulator not found: %s", simulatorID)
	}

	return nil
}

// TouchSimulator refreshes the simulator's last_active timestamp
func (r *SimulatorRepository) TouchSimulator(simulatorID string, at time.Time) error {
	query := "UPDATE simulator_instances SET last_active = ? WHERE simulator_id = ?"

	if _, err := r.sessionsDB.Exec(query, at.Unix(), simulatorID); err != nil {
		return fmt.Errorf("failed to touch simulator: %w", err)
	}

	return nil
}

// ListSimulatorsByStatus retrieves simulators in a given status, oldest first
func (r *SimulatorRepository) ListSimulatorsByStatus(status domain.SimulatorStatus) ([]domain.Simulator, error) {
	query := `
		SELECT ` + simulatorsColumns + ` FROM simulator_instances
		WHERE status = ?
		ORDER BY created_at ASC
	`

	rows, err := r.sessionsDB.Query(query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list simulators by status: %w", err)
	}
	defer rows.Close()

	var sims []domain.Simulator
	for rows.Next() {
		sim, err := scanSimulatorFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan simulator: %w", err)
		}
		sims = append(sims, sim)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating simulators: %w", err)
	}

	return sims, nil
}

// ReapStaleSimulators marks non-terminal simulators idle past the cutoff as
// STOPPED with the given reason. Returns the number reaped.
func (r *SimulatorRepository) ReapStaleSimulators(cutoff time.Time, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE simulator_instances
		SET status = 'STOPPED', termination_reason = ?, last_active = ?
		WHERE status NOT IN ('STOPPED', 'ERROR') AND last_active < ?
	`

	result, err := r.sessionsDB.Exec(query, reason, at.Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale simulators: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reaped simulators: %w", err)
	}

	if affected > 0 {
		r.log.Info().
			Int64("count", affected).
			Str("reason", reason).
			Msg("Stale simulators reaped")
	}

	return affected, nil
}

func scanSimulator(row *sql.Row) (domain.Simulator, error) {
	var sim domain.Simulator
	var status string
	var createdAt, lastActive int64

	err := row.Scan(
		&sim.SimulatorID,
		&sim.SessionID,
		&sim.UserID,
		&sim.Endpoint,
		&status,
		&sim.TerminationReason,
		&createdAt,
		&lastActive,
	)
	if err != nil {
		return sim, err
	}

	sim.Status = domain.SimulatorStatus(status)
	sim.CreatedAt = time.Unix(createdAt, 0).UTC()
	sim.LastActive = time.Unix(lastActive, 0).UTC()

	return sim, nil
}

func scanSimulatorFromRows(rows *sql.Rows) (domain.Simulator, error) {
	var sim domain.Simulator
	var status string
	var createdAt, lastActive int64

	err := rows.Scan(
		&sim.SimulatorID,
		&sim.SessionID,
		&sim.UserID,
		&sim.Endpoint,
		&status,
		&sim.TerminationReason,
		&createdAt,
		&lastActive,
	)
	if err != nil {
		return sim, err
	}

	sim.Status = domain.SimulatorStatus(status)
	sim.CreatedAt = time.Unix(createdAt, 0).UTC()
	sim.LastActive = time.Unix(lastActive, 0).UTC()

	return sim, nil
}
