package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crypto-strategy-bot/config"
	"crypto-strategy-bot/internal/api"
	"crypto-strategy-bot/internal/auth"
	"crypto-strategy-bot/internal/cache"
	"crypto-strategy-bot/internal/database"
	"crypto-strategy-bot/internal/events"
	"crypto-strategy-bot/internal/exchange"
	"crypto-strategy-bot/internal/jobs"
	"crypto-strategy-bot/internal/logging"
	"crypto-strategy-bot/internal/notification"
	"crypto-strategy-bot/internal/orders"
	"crypto-strategy-bot/internal/snapshot"
	"crypto-strategy-bot/internal/vault"
	"crypto-strategy-bot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	logger.Info().Bool("dry_run", cfg.Worker.DryRun).Msg("Starting strategy bot")

	db, err := database.NewDB(cfg.Database.URI, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("Migrations failed")
	}
	cancel()

	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.Vault.Enabled,
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPath:  cfg.Vault.MountPath,
		SecretPath: cfg.Vault.SecretPath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Vault client failed")
	}

	tickerCache := cache.New(cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	defer tickerCache.Close()

	bus := events.NewBus()
	gateways := buildGateways(cfg, logger)

	strategyRepo := database.NewStrategyRepository(db)
	positionRepo := database.NewPositionRepository(db)
	balanceRepo := database.NewBalanceRepository(db)
	exchangeRepo := database.NewExchangeRepository(db)
	notificationRepo := database.NewNotificationRepository(db)

	notifier := notification.NewService(notificationRepo, bus, logger)
	executor := orders.NewExecutor(strategyRepo, positionRepo, exchangeRepo, gateways, vaultClient, notifier, bus, logger)
	strategyWorker := worker.New(strategyRepo, positionRepo, gateways, vaultClient, executor, tickerCache, notifier, bus, logger)
	maintenance := worker.NewMaintenance(strategyRepo, logger)
	pipeline := snapshot.NewPipeline(balanceRepo, exchangeRepo, gateways, vaultClient, tickerCache, bus, cfg.Snapshot.USDBRLRate, logger)

	jobManager := jobs.NewManager(bus, logger)
	jobManager.Register(jobs.NewRunner("strategy_worker", cfg.Worker.CheckInterval, false, strategyWorker.RunTick, logger))
	jobManager.Register(jobs.NewRunner("balance_snapshot", cfg.Snapshot.Interval, true, pipeline.Run, logger))
	jobManager.Register(jobs.NewRunner("pnl_maintenance", time.Minute, false, maintenance.Run, logger))
	if err := jobManager.StartAll(); err != nil {
		logger.Fatal().Err(err).Msg("Job startup failed")
	}

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	server := api.NewServer(api.ServerConfig{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, db, executor, vaultClient, gateways, jobManager, notifier, bus, jwtManager, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down")

	jobManager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	logger.Info().Msg("Goodbye")
}

// buildGateways assembles the exchange registry. Every gateway is wrapped
// with a token-bucket rate limiter and transient-error retries; dry-run mode
// swaps order submission for simulated fills while keeping reads live.
func buildGateways(cfg *config.Config, logger zerolog.Logger) *exchange.Registry {
	registry := exchange.NewRegistry()

	wrap := func(gw exchange.Gateway, rps float64) exchange.Gateway {
		wrapped := exchange.NewRetryingGateway(exchange.NewRateLimitedGateway(gw, rps, 5))
		if cfg.Worker.DryRun {
			return exchange.NewDryRunGateway(wrapped, logger)
		}
		return wrapped
	}

	registry.Register(wrap(exchange.NewBinanceGateway(""), cfg.Rates.BinanceRPS))
	registry.Register(wrap(exchange.NewKrakenGateway(""), cfg.Rates.KrakenRPS))
	return registry
}
