// Package main is the entry point for the orchestrator. It keeps exchange
// venue pods aligned with trading hours and hands out per-session simulator
// pods to the session core.
package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradesim/tradesim/internal/config"
	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/orchestrator"
	"github.com/tradesim/tradesim/internal/scheduler"
	"github.com/tradesim/tradesim/pkg/logger"
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

	exchanges := database.NewExchangeRepository(stores.CoordinationDB.Conn(), log)
	if err := exchanges.SeedExchanges(orchestrator.DefaultExchanges()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed exchange registry")
	}
	sims := database.NewSimulatorRepository(stores.SessionsDB.Conn(), log)

	var api orchestrator.ContainerAPI
	if cfg.ContainerManagerURL == "local" {
		api = orchestrator.NewLocalAPI(log)
		log.Warn().Msg("Using in-memory container manager; pods are placement records only")
	} else {
		api = orchestrator.NewManagerClient(cfg.ContainerManagerURL, log)
	}

	orchCfg := orchestrator.Config{
		Port:         cfg.OrchPort,
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
		PodImage:     cfg.SimulatorImage,
		GRPCPort:     cfg.GRPCPort,
		IntakePort:   cfg.IntakePort,
	}

	loop := orchestrator.NewLoop(orchCfg, exchanges, sims, api, log)
	alloc := orchestrator.NewAllocator(orchCfg, sims, api, log)
	server := orchestrator.NewServer(orchCfg, loop, alloc, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(fmt.Sprintf("@every %ds", cfg.PollInterval), loop); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule reconcile loop")
	}

	// One tick up front so a restarted orchestrator re-learns its pods
	// before taking traffic. Failures here are retried on schedule.
	if err := sched.RunNow(loop); err != nil {
		log.Warn().Err(err).Msg("Initial reconcile failed")
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down orchestrator")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Orchestrator server failed")
		}
		return
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Orchestrator forced to shutdown")
	}

	// Venue and simulator pods stay up on purpose; running sessions keep
	// trading across orchestrator restarts.
	log.Info().Msg("Orchestrator stopped")
}
