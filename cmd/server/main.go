// Command server runs the escrow API: program-owned vaults hold the seller's
// tokens while the buyer pays off-ledger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbd888/p2pescrow/internal/config"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/server"
)

// Set with -ldflags "-X main.commit=..."
var (
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "p2pescrow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting p2pescrow",
		"version", server.Version,
		"commit", commit,
		"build_time", buildTime,
		"env", cfg.Env,
		"program", cfg.ProgramAddress,
		"mint", cfg.MintAddress,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
