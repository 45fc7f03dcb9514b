// Command mcp serves read-only escrow tools over MCP on stdio. It talks to a
// running escrow server; stdout carries the protocol, so logs go to stderr.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL:  os.Getenv("ESCROW_SERVER"),
		Address: os.Getenv("ESCROW_ADDRESS"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}

	logger.Info("mcp server starting", "api", cfg.APIURL, "address", cfg.Address)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
