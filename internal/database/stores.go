package database

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/config"
)

// Stores holds the per-concern databases for one process. Databases stand in
// for the schemas of the persisted layout: auth.*, session.*, simulator.*,
// trading.*, exch_us_equity.*, plus the coordination store for locks.
type Stores struct {
	AuthDB         *DB // users, refresh_tokens
	SessionsDB     *DB // active_sessions, session_metadata, simulator instances
	TradingDB      *DB // orders, request_idempotency (ledger profile)
	MarketDB       *DB // equity_data, fx_data, cash_flow_data
	CoordinationDB *DB // locks, exchange registry (cache profile)
}

// OpenAll opens every database and applies schemas. On any failure all
// previously opened databases are closed before returning.
func OpenAll(cfg *config.Config, log zerolog.Logger) (*Stores, error) {
	stores := &Stores{}

	type spec struct {
		target  **DB
		file    string
		profile Profile
		name    string
	}

	specs := []spec{
		{&stores.AuthDB, "auth.db", ProfileStandard, "auth"},
		{&stores.SessionsDB, "sessions.db", ProfileStandard, "sessions"},
		{&stores.TradingDB, "trading.db", ProfileLedger, "trading"},
		{&stores.MarketDB, "market.db", ProfileStandard, "market"},
		{&stores.CoordinationDB, "coordination.db", ProfileCache, "coordination"},
	}

	for _, s := range specs {
		db, err := New(Config{
			Path:     cfg.DataDir + "/" + s.file,
			Profile:  s.profile,
			Name:     s.name,
			MinConns: cfg.DBMinConnections,
			MaxConns: cfg.DBMaxConnections,
		})
		if err != nil {
			stores.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", s.name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			stores.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", s.name, err)
		}
		*s.target = db
	}

	log.Info().Msg("All databases initialized and schemas applied")

	return stores, nil
}

// Close closes every open database. Safe to call with partially opened stores.
func (s *Stores) Close() {
	for _, db := range []*DB{s.AuthDB, s.SessionsDB, s.TradingDB, s.MarketDB, s.CoordinationDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}

// All returns the open databases in a stable order, for health checks and
// maintenance jobs.
func (s *Stores) All() []*DB {
	out := make([]*DB, 0, 5)
	for _, db := range []*DB{s.AuthDB, s.SessionsDB, s.TradingDB, s.MarketDB, s.CoordinationDB} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}
