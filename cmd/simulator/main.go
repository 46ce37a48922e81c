// Package main is the entry point for the simulator engine process. One
// process serves exactly one (user, session); the orchestrator injects the
// identity through the environment when it creates the container.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tradesim/tradesim/internal/clients/distributor"
	"github.com/tradesim/tradesim/internal/config"
	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simulator"
	"github.com/tradesim/tradesim/pkg/logger"
)

// exitTTLExpired tells the restart policy this termination is deliberate.
// The orchestrator only recreates pods that exited clean with an ERROR
// status on record.
const exitTTLExpired = 3

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	sessionID := os.Getenv("SESSION_ID")
	userID := os.Getenv("USER_ID")
	if sessionID == "" || userID == "" {
		log.Fatal().Msg("SESSION_ID and USER_ID must be set")
	}
	simulatorID := getEnv("SIMULATOR_ID", "sim-"+uuid.New().String())
	host := getEnv("SIMULATOR_HOST", "localhost")

	stores, err := database.OpenAll(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open databases")
	}
	defer stores.Close()

	dist := distributor.NewClient(cfg.MarketDataURL, log)

	engine := simulator.NewEngine(simulator.Config{
		SimulatorID:     simulatorID,
		SessionID:       sessionID,
		UserID:          userID,
		Endpoint:        fmt.Sprintf("%s:%d", host, cfg.GRPCPort),
		Symbols:         cfg.Symbols,
		BaseCurrency:    domain.Currency(cfg.BaseCurrency),
		StartingCash:    cfg.StartingCash,
		SpreadBps:       cfg.SpreadBps,
		FeeBps:          cfg.FeeBps,
		ImpactDecayRate: cfg.ImpactDecayRate,
		GapTolerance:    time.Duration(cfg.GapToleranceSeconds) * time.Second,
		ReplayMaxGap:    time.Duration(cfg.ReplayMaxGapSeconds) * time.Second,
		SessionTTL:      time.Duration(cfg.SessionTTLSeconds) * time.Second,
	},
		database.NewOrderRepository(stores.TradingDB.Conn(), log),
		database.NewCashFlowRepository(stores.MarketDB.Conn(), log),
		database.NewSimulatorRepository(stores.SessionsDB.Conn(), log),
		dist,
		log,
	)

	server := simulator.NewServer(engine, dist, simulator.ServerConfig{
		GRPCPort:   cfg.GRPCPort,
		IntakePort: cfg.IntakePort,
		IntakeHost: host,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("simulator_id", simulatorID).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("Starting simulator")

	err = server.Run(ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		log.Info().Msg("Simulator stopped")
	case errors.Is(err, simulator.ErrTTLExpired):
		log.Warn().Str("session_id", sessionID).Msg("Session TTL expired, terminating for good")
		stores.Close()
		os.Exit(exitTTLExpired)
	default:
		// Faults exit clean after the ERROR status is on record; the
		// orchestrator decides whether to recreate the pod.
		log.Error().Err(err).Msg("Simulator fault")
	}
}
