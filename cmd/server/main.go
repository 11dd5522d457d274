// Package main is the entry point for the trading intelligence backend.
// It wires the full component graph (C1-C13) via internal/di, starts the
// hybrid streamer and alert watcher as background loops, and serves the
// thin HTTP surface (healthz + the client WebSocket feed) until an
// interrupt or terminate signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/sentinel/tradingcore/internal/config"
	"github.com/sentinel/tradingcore/internal/di"
	"github.com/sentinel/tradingcore/internal/server"
	"github.com/sentinel/tradingcore/internal/token"
	"github.com/sentinel/tradingcore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("broker_env", string(cfg.BrokerEnv)).
		Int("port", cfg.Port).
		Msg("starting trading intelligence backend")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire component container")
	}
	defer func() {
		if err := container.Close(); err != nil {
			log.Error().Err(err).Msg("error closing container resources")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := container.Streamer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("streamer stopped with error")
		}
	}()

	// Periodic technical-signal scan (C12, spec.md §4.12): runs on its own
	// cadence independent of the live quote stream.
	go func() {
		if err := container.Alerts.Run(ctx); err != nil {
			log.Error().Err(err).Msg("alert watcher stopped with error")
		}
	}()

	// Periodic maintenance: WAL checkpoints on the ledger database, kept
	// on the same cron scheduling library the teacher used for background
	// jobs (internal/scheduler), scaled down to this module's single
	// recurring maintenance task.
	c := cron.New()
	if _, err := c.AddFunc("@every 30m", func() {
		if err := container.LedgerDB.WALCheckpoint(); err != nil {
			log.Warn().Err(err).Msg("scheduled WAL checkpoint failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule maintenance job")
	}
	// Proactive token refresh (C2, spec.md §4.2): polled every minute, the
	// floor of ProactiveRefreshStrategy's own next-check interval, so the
	// strategy itself (not the cron cadence) decides whether a refresh
	// attempt actually fires.
	if _, err := c.AddFunc("@every 1m", func() {
		result := container.TokenManager.CheckAndRefresh(ctx)
		if !result.Success && result.Status != token.StatusMissing {
			log.Warn().Str("status", string(result.Status)).Int("attempts", result.Attempts).
				Msg("proactive token refresh check failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule token refresh job")
	}
	c.Start()
	defer c.Stop()

	srv := server.New(server.Config{Port: cfg.Port}, container.Streamer, container.Health, container.Enrichment, container.Registry, log)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("HTTP server stopped with error")
	}

	log.Info().Msg("shutdown complete")
}
