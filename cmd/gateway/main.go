// Package main is the entry point for the gateway, the REST front door for
// browser and programmatic clients. It authenticates requests, applies rate
// limits and per-user locks, and forwards trading traffic to the session core.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradesim/tradesim/internal/config"
	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/gateway"
	"github.com/tradesim/tradesim/internal/reliability"
	"github.com/tradesim/tradesim/internal/scheduler"
	"github.com/tradesim/tradesim/internal/system"
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

	store := database.NewStore(stores, log)
	tokens := gateway.NewTokens(cfg.AuthSecret, time.Duration(cfg.AccessTokenExpiry)*time.Second)
	forward := gateway.NewForwarder(cfg.SessionServiceURL, log)
	notifier := gateway.NewLogNotifier(log)
	monitor := system.NewMonitor(stores, cfg.DataDir, log)

	var backups gateway.BackupRunner
	var backupService *reliability.BackupService
	if cfg.BackupEnabled {
		s3, err := reliability.NewS3Client(reliability.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.BackupBucket,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build S3 backup client")
		}
		backupService = reliability.NewBackupService(stores, s3, cfg.DataDir, log)
		backups = backupService
	}

	srvCfg := gateway.ServerConfig{
		Port:               cfg.RESTPort,
		RefreshTokenExpiry: time.Duration(cfg.RefreshTokenExpiry) * time.Second,
	}
	server := gateway.NewServer(srvCfg, store, tokens, forward, notifier, monitor, backups, log)

	sched := scheduler.New(log)

	purge := scheduler.NewRetentionPurgeJob(store, store, store)
	purge.SetLogger(log)
	if err := sched.AddJob("@every 5m", purge); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule retention purge")
	}
	if err := sched.AddJob("@every 1h", scheduler.JobFunc{
		JobName: "limiter_purge",
		Fn: func() error {
			server.PurgeIdleLimiters()
			return nil
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule limiter purge")
	}
	if err := sched.AddJob("@every 15m", scheduler.JobFunc{
		JobName: "status_snapshot",
		Fn: func() error {
			monitor.LogSnapshot(context.Background())
			return nil
		},
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule status snapshot")
	}
	if backupService != nil {
		backupJob := reliability.NewBackupJob(backupService, cfg.BackupRetention, log)
		if err := sched.AddJob("0 15 3 * * *", backupJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gateway")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("Gateway server failed")
		}
		return
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Gateway forced to shutdown")
	}

	log.Info().Msg("Gateway stopped")
}
