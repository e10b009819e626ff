package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/app"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	paper := flag.Bool("paper", true, "run against the in-memory paper venue simulator")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer log.Sync() //nolint:errcheck
	log.Info("config loaded", zap.String("path", *configPath))

	gw, err := buildGateway(cfg, *paper, log)
	if err != nil {
		log.Error("gateway init failed", zap.Error(err))
		os.Exit(1)
	}

	application, err := app.New(cfg, gw, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}

// buildGateway returns the venue gateway for this run. Live venue
// adapters plug in here; without one the bot runs against the paper
// simulator, seeded with a mild funding-rate spread across the
// configured venues so the full open/supervise/close cycle exercises.
func buildGateway(cfg *config.Config, paper bool, log *zap.Logger) (gateway.Exchange, error) {
	if !paper {
		return nil, fmt.Errorf("no live venue adapter is built in; run with -paper")
	}
	log.Warn("running in paper mode, no real orders will be placed")
	sim := gateway.NewPaper()
	for i, venueName := range cfg.Strategy.Venues {
		rate := decimal.RequireFromString("0.0001").
			Mul(decimal.NewFromInt(int64(i + 1)))
		sim.SetFundingRate(venueName, rate)
	}
	return sim, nil
}
