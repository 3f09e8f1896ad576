// Bountypay - escrow and payouts for a bounty marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/bountypay/internal/config"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bountypay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"currency", cfg.Currency,
		"platform_fee_bps", cfg.PlatformFeeBPS,
		"auto_payout", cfg.AutoPayout,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
