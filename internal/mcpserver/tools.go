package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a P2P trade escrow by its record address. "+
			"Shows status (locked, payment_sent, disputed, released, refunded), amount, "+
			"seller, buyer, vault balance, and when the seller may reclaim."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The escrow record address (e.g. '0x1234...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where an address is the seller or the buyer, newest first."),
	mcp.WithString("party",
		mcp.Description("Seller or buyer address. Defaults to the configured address.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolDeriveEscrowAddress = mcp.NewTool("derive_escrow_address",
	mcp.WithDescription(
		"Compute the escrow record and vault addresses for a trade id and seller. "+
			"Addresses are deterministic, so this works before the escrow exists."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("16-byte hex trade id (e.g. '0x00112233445566778899aabbccddeeff')")),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("The seller's address")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the token balance of an address's holding account."),
	mcp.WithString("owner",
		mcp.Description("Owner address. Defaults to the configured address.")),
)
