package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/p2pescrow/internal/client"
)

// Config holds the configuration for connecting to the escrow server.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Address string // Default party for balance and list tools, optional
}

// NewMCPServer creates an MCP server with the read-only escrow tools.
// No tool moves funds.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("p2pescrow", "0.1.0")
	h := NewHandlers(client.New(cfg.APIURL), cfg.Address)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolDeriveEscrowAddress, h.HandleDeriveEscrowAddress)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
