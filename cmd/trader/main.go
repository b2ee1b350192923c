package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"roi-trade-bot-go/internal/binance"
	"roi-trade-bot-go/internal/config"
	"roi-trade-bot-go/internal/database"
	"roi-trade-bot-go/internal/execution"
	"roi-trade-bot-go/internal/logger"
	"roi-trade-bot-go/internal/notify"
	"roi-trade-bot-go/internal/state"
	"roi-trade-bot-go/internal/trader"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	params, err := cfg.Trading.Validate()
	if err != nil {
		log.Fatal("Invalid trading configuration", zap.Error(err))
	}
	initial, err := state.ParseRunState(cfg.Trading.InitialState)
	if err != nil {
		log.Fatal("Invalid initial state", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize Binance REST client
	restClient := binance.NewRestClient(&cfg.Exchange, log)
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Exchange.Timeout)
	_, err = restClient.GetServerTime(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatal("Failed to connect to Binance API", zap.Error(err))
	}
	log.Info("Successfully connected to Binance API.")

	events := notify.NewMemory(cfg.Notify.Keep)
	sinks := notify.Multi{notify.NewLog(log), events}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout, log))
	}

	mode := execution.ModeFromDryRun(cfg.Trading.DryRun)
	controller := state.NewController(initial, log, sinks)
	tradeEngine := trader.NewEngine(log, params, trader.Dependencies{
		Exchange:   restClient,
		Store:      database.NewTradeRepository(db),
		Gate:       execution.NewGate(mode, restClient, cfg.Exchange.Timeout, log),
		Controller: controller,
		Strategy:   trader.NewManualStrategy(),
		Notifier:   sinks,
		Timeout:    cfg.Exchange.Timeout,
	})
	if err := tradeEngine.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize trading engine", zap.Error(err))
	}

	api := trader.NewAPIServer(cfg.Server.Port, tradeEngine, controller, events, log)
	api.Start()

	log.Info("Bot is starting",
		zap.Stringer("mode", mode),
		zap.Stringer("state", initial),
		zap.Strings("whitelist", params.Whitelist),
	)
	// Run returns after the in-flight cycle completes.
	tradeEngine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}
