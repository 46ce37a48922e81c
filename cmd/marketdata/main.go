// Package main is the entry point for the market-data distributor. It owns
// the canonical minute-bar stream: generated on the bar boundary, persisted
// to the market store, and pushed to every registered simulator pod.
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
	"github.com/tradesim/tradesim/internal/marketdata"
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

	market := database.NewMarketRepository(stores.MarketDB.Conn(), log)

	mdCfg := marketdata.Config{
		Port:           cfg.MarketDataPort,
		Symbols:        cfg.Symbols,
		BarInterval:    time.Duration(cfg.BarIntervalSeconds) * time.Second,
		DefaultPodPort: cfg.IntakePort,
	}

	gen := marketdata.NewGenerator(cfg.Symbols, uint64(time.Now().UnixNano()))
	reg := marketdata.NewRegistry(cfg.IntakePort, log)
	dist := marketdata.NewDistributor(mdCfg, gen, reg, market, log)

	// Resume each walk from persisted history so restarts do not re-base
	// the series.
	if err := dist.Prime(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prime bar generator")
	}

	server := marketdata.NewServer(mdCfg, reg, market, log)

	// Bars land on the wall-clock minute boundary; a non-default interval
	// falls back to a relative schedule.
	schedule := "0 * * * * *"
	if cfg.BarIntervalSeconds != 60 {
		schedule = fmt.Sprintf("@every %ds", cfg.BarIntervalSeconds)
	}

	sched := scheduler.New(log)
	if err := sched.AddJob(schedule, dist); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule bar generation")
	}
	if err := sched.AddJob("@every 30m", scheduler.NewWALCheckpointJob(stores)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule WAL checkpoints")
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down market-data distributor")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Market-data server failed")
		}
		return
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Market-data server forced to shutdown")
	}

	log.Info().Msg("Market-data distributor stopped")
}
