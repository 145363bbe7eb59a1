// Cronos Shield - pay-per-call contract risk analysis and a risk-gated
// transaction relay
package main

import (
	"context"
	"os"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/config"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting cronos-shield",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"network", cfg.Network,
		"max_risk_score", cfg.MaxRiskScore,
		"entitlement_scope", cfg.EntitlementScope,
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
