// escrowd - milestone escrow service
package main

import (
	"context"
	"os"

	"github.com/stellapay/escrowd/internal/config"
	"github.com/stellapay/escrowd/internal/logging"
	"github.com/stellapay/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store_backend", cfg.StoreBackend,
		"default_token", cfg.DefaultToken,
		"custody", cfg.CustodyAddress,
	)

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithVersion(Version),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
