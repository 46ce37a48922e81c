// Package main is the entry point for the session core. It terminates client
// WebSockets, holds the one-active-session-per-user invariant, and relays
// exchange data and trading calls between clients and their simulator pods.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradesim/tradesim/internal/config"
	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/events"
	"github.com/tradesim/tradesim/internal/gateway"
	"github.com/tradesim/tradesim/internal/scheduler"
	"github.com/tradesim/tradesim/internal/session"
	"github.com/tradesim/tradesim/internal/simrpc"
	"github.com/tradesim/tradesim/pkg/logger"
)

const (
	// sessionValidity is the hard expiry horizon stamped on a fresh session.
	sessionValidity = 24 * time.Hour

	// simulatorStartTimeout caps pod allocation plus readiness probing.
	simulatorStartTimeout = 60 * time.Second
	simulatorProbeEvery   = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	stores, err := database.OpenAll(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open databases")
	}
	defer stores.Close()

	sessions := database.NewSessionRepository(stores.SessionsDB.Conn(), log)
	sims := database.NewSimulatorRepository(stores.SessionsDB.Conn(), log)
	orders := database.NewOrderRepository(stores.TradingDB.Conn(), log)

	launcher := session.NewOrchestratorLauncher(cfg.OrchestratorURL, log)
	dial := func(endpoint string) (session.SimulatorClient, error) {
		return simrpc.NewClient(endpoint, log)
	}
	ev := events.NewManager(events.NewBus(), log)

	manager := session.NewManager(session.Config{
		ReconnectTimeout:  time.Duration(cfg.ReconnectTimeout) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		SessionValidity:   sessionValidity,
		StartTimeout:      simulatorStartTimeout,
		ProbeInterval:     simulatorProbeEvery,
		Symbols:           cfg.Symbols,
	}, sessions, sims, launcher, dial, ev, log)

	tokens := gateway.NewTokens(cfg.AuthSecret, time.Duration(cfg.AccessTokenExpiry)*time.Second)
	server := session.NewServer(session.ServerConfig{Port: cfg.WSPort}, manager, tokens, orders, log)

	sched := scheduler.New(log)
	sweep := scheduler.NewSessionSweepJob(sessions,
		time.Duration(cfg.ReconnectTimeout)*time.Second,
		time.Duration(cfg.SessionTTLSeconds)*time.Second)
	sweep.SetLogger(log)
	if err := sched.AddJob("@every 1m", sweep); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule session sweep")
	}
	health := scheduler.NewDatabaseHealthJob(stores)
	health.SetLogger(log)
	if err := sched.AddJob("@every 10m", health); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule database health checks")
	}
	wal := scheduler.NewWALCheckpointJob(stores)
	wal.SetLogger(log)
	if err := sched.AddJob("@every 30m", wal); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule WAL checkpoints")
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down session core")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Session server failed")
		}
		return
	}

	sched.Stop()

	// Park live sessions before the listener closes so clients get a
	// shutdown frame and can reconnect to a replacement pod.
	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session server forced to shutdown")
	}

	log.Info().Msg("Session core stopped")
}
