// Command bountyd runs the bounty settlement service: the HTTP API, the
// settlement engine and the reconciliation sweeper, sharing one ledger and one
// chain gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wordbounty/chain"
	"wordbounty/config"
	"wordbounty/ledger"
	"wordbounty/observability/logging"
	"wordbounty/server"
	"wordbounty/settlement"
	"wordbounty/sweeper"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load configuration", slog.Any("err", err))
		os.Exit(1)
	}

	log := logging.Setup("bountyd", logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	store, err := ledger.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open ledger", slog.String("path", cfg.DatabasePath), slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	gateway := chain.NewRPCGateway(cfg.NodeRPCURL, cfg.NodeRPCToken)
	log.Info("chain gateway configured",
		slog.String("url", cfg.NodeRPCURL),
		logging.MaskField("token", cfg.NodeRPCToken))

	engine := settlement.NewEngine(store, gateway, settlement.Config{
		FeeBps:                cfg.FeeBps,
		ConfirmTimeout:        cfg.ConfirmTimeout.Duration,
		MaxSplitWinners:       cfg.MaxSplitWinners,
		ParticipantCapCeiling: cfg.ParticipantCapCeiling,
		FeeAdmin:              cfg.FeeAdmin,
	}, settlement.WithLogger(log))

	sw := sweeper.New(store, gateway, engine, sweeper.Config{
		Interval:       cfg.SweepInterval.Duration,
		Grace:          cfg.SweepGrace.Duration,
		DeadAfter:      cfg.PaymentDeadAfter.Duration,
		ConfirmTimeout: cfg.ConfirmTimeout.Duration,
	}, sweeper.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sw.Run(ctx); err != nil {
			log.Error("sweeper stopped", slog.Any("err", err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.New(engine, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", slog.Any("err", err))
	}
}
