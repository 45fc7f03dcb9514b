package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/p2pescrow/internal/client"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/units"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client  *client.Client
	address string

	mu       sync.Mutex
	decimals *int
}

// NewHandlers creates a new Handlers instance. address is the default party
// for tools that take an optional address.
func NewHandlers(c *client.Client, address string) *Handlers {
	return &Handlers{client: c, address: address}
}

// HandleGetEscrow returns one escrow with its vault balance.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	view, err := h.client.GetEscrow(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEscrow(view.Escrow, view.Vault, h.mintDecimals(ctx))), nil
}

// HandleListEscrows lists escrows for a party.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party := req.GetString("party", h.address)
	if party == "" {
		return mcp.NewToolResultError("party is required (no default address configured)"), nil
	}
	limit := req.GetInt("limit", 20)

	escrows, err := h.client.ListEscrows(ctx, party, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(escrows) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No escrows found for %s.", party)), nil
	}

	decimals := h.mintDecimals(ctx)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(escrows), party)
	for i, e := range escrows {
		role := "buyer"
		if strings.EqualFold(e.Seller, party) {
			role = "seller"
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.Address)
		fmt.Fprintf(&sb, "   Status: %s | Amount: %s | Role: %s\n", e.Status, formatAmount(e.Amount, decimals), role)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeriveEscrowAddress computes record and vault addresses for a trade.
func (h *Handlers) HandleDeriveEscrowAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	seller := req.GetString("seller", "")
	if tradeID == "" || seller == "" {
		return mcp.NewToolResultError("trade_id and seller are required"), nil
	}

	d, err := h.client.Derive(ctx, tradeID, seller)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to derive addresses: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Trade %s by %s:\n  Escrow record: %s\n  Vault:         %s\n",
		d.TradeID, d.Seller, d.Escrow, d.Vault)), nil
}

// HandleCheckBalance returns the holding balance of an owner.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", h.address)
	if owner == "" {
		return mcp.NewToolResultError("owner is required (no default address configured)"), nil
	}

	acct, err := h.client.Balance(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Balance of %s:\n  Account: %s\n  Balance: %s\n",
		owner, acct.Address, formatAmount(acct.Balance, h.mintDecimals(ctx)))), nil
}

// mintDecimals returns the server's mint precision, or -1 if unknown.
func (h *Handlers) mintDecimals(ctx context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.decimals != nil {
		return *h.decimals
	}
	info, err := h.client.Info(ctx)
	if err != nil {
		return -1
	}
	d := info.MintDecimals
	h.decimals = &d
	return d
}

// --- Formatting helpers ---

func formatAmount(amount uint64, decimals int) string {
	if decimals < 0 {
		return fmt.Sprintf("%d base units", amount)
	}
	return units.Format(amount, decimals)
}

func formatEscrow(e *escrow.Escrow, vault *ledger.Account, decimals int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", e.Address)
	fmt.Fprintf(&sb, "  Status:   %s\n", e.Status)
	fmt.Fprintf(&sb, "  Amount:   %s\n", formatAmount(e.Amount, decimals))
	fmt.Fprintf(&sb, "  Seller:   %s\n", e.Seller)
	fmt.Fprintf(&sb, "  Buyer:    %s\n", e.Buyer)
	fmt.Fprintf(&sb, "  Trade ID: %s\n", e.TradeID)
	if vault != nil {
		fmt.Fprintf(&sb, "  Vault:    %s (balance %s)\n", vault.Address, formatAmount(vault.Balance, decimals))
	}
	switch e.Status {
	case escrow.StatusLocked:
		fmt.Fprintf(&sb, "  Seller may reclaim after %s\n", e.ReclaimableAt().Format(time.RFC3339))
	case escrow.StatusDisputed:
		fmt.Fprintf(&sb, "  Disputed by %s", e.DisputedBy)
		if e.DisputeReason != "" {
			fmt.Fprintf(&sb, ": %s", e.DisputeReason)
		}
		sb.WriteString("\n  Waiting on the admin\n")
	}
	if e.Resolution != "" {
		fmt.Fprintf(&sb, "  Outcome:  %s\n", e.Resolution)
	}
	return sb.String()
}
