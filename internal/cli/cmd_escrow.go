package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/p2pescrow/internal/client"
	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/units"
)

func newInitCmd(opts *Options) *cobra.Command {
	var (
		tradeID   string
		buyer     string
		amount    string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Lock tokens into a new escrow (signer is the seller)",
		Long: `Lock --amount tokens from the signer's holding account into a new escrow
for --buyer. A random trade id is generated unless --trade-id is given.

Amounts are decimal token units, e.g. 12.5 with a 6-decimal mint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			decimals, err := opts.decimals(ctx, c)
			if err != nil {
				return err
			}
			base, err := units.Parse(amount, decimals)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			if tradeID == "" {
				tradeID = derive.NewTradeID().String()
			}
			secs := int64(expiresIn / time.Second)
			if secs <= 0 {
				return fmt.Errorf("--expires-in must be at least 1s")
			}

			e, err := c.Initialize(ctx, escrow.InitializeRequest{
				TradeID:        tradeID,
				Buyer:          buyer,
				Amount:         base,
				TimeoutSeconds: secs,
			})
			if err != nil {
				return err
			}
			return opts.printEscrow(cmd.OutOrStdout(), e, nil, decimals)
		},
	}

	cmd.Flags().StringVar(&tradeID, "trade-id", "", "16-byte hex trade id (random if empty)")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer address (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in token units, e.g. 25.5 (required)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 2*time.Hour, "time after which the seller may reclaim")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

// instructionCmd builds a command that sends one signed instruction for an
// escrow address.
func instructionCmd(opts *Options, use, short string, send func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <escrow>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			e, err := send(ctx, c, args[0])
			if err != nil {
				return err
			}
			decimals, err := opts.decimals(ctx, c)
			if err != nil {
				return err
			}
			return opts.printEscrow(cmd.OutOrStdout(), e, nil, decimals)
		},
	}
}

func newPaidCmd(opts *Options) *cobra.Command {
	return instructionCmd(opts, "paid", "Mark off-ledger payment as sent (signer is the buyer)",
		func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error) {
			return c.MarkPaid(ctx, address)
		})
}

func newReleaseCmd(opts *Options) *cobra.Command {
	return instructionCmd(opts, "release", "Release the vault to the buyer (signer is the seller)",
		func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error) {
			return c.Release(ctx, address)
		})
}

func newReclaimCmd(opts *Options) *cobra.Command {
	return instructionCmd(opts, "reclaim", "Reclaim a timed-out escrow (signer is the seller)",
		func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error) {
			return c.Reclaim(ctx, address)
		})
}

func newDisputeCmd(opts *Options) *cobra.Command {
	var reason string
	cmd := instructionCmd(opts, "dispute", "File a dispute (signer is the seller or buyer)",
		func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error) {
			return c.FileDispute(ctx, address, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason shown to the admin")
	return cmd
}

func newResolveCmd(opts *Options) *cobra.Command {
	var decision string
	cmd := instructionCmd(opts, "resolve", "Resolve a dispute (signer is the admin)",
		func(ctx context.Context, c *client.Client, address string) (*escrow.Escrow, error) {
			d, err := parseDecision(decision)
			if err != nil {
				return nil, err
			}
			return c.ResolveDispute(ctx, address, d)
		})
	cmd.Flags().StringVar(&decision, "decision", "", "release (to buyer) or refund (to seller)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func parseDecision(s string) (escrow.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "release", string(escrow.ReleaseToBuyer):
		return escrow.ReleaseToBuyer, nil
	case "refund", string(escrow.RefundToSeller):
		return escrow.RefundToSeller, nil
	}
	return "", fmt.Errorf("--decision must be release or refund, got %q", s)
}

func newShowCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <escrow>",
		Short: "Show an escrow and its vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(false)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			view, err := c.GetEscrow(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return opts.output(cmd.OutOrStdout(), view, nil)
			}
			decimals, err := opts.decimals(ctx, c)
			if err != nil {
				return err
			}
			return opts.printEscrow(cmd.OutOrStdout(), view.Escrow, view.Vault, decimals)
		},
	}
}

func newListCmd(opts *Options) *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list [party]",
		Short: "List escrows where a party is seller or buyer (default: signer)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(len(args) == 0)
			if err != nil {
				return err
			}
			party := c.Address()
			if len(args) == 1 {
				party = args[0]
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			page, err := c.ListEscrowsPage(ctx, party, cursor, limit)
			if err != nil {
				return err
			}
			if opts.JSON {
				return opts.output(cmd.OutOrStdout(), page, nil)
			}
			escrows := page.Escrows
			decimals, err := opts.decimals(ctx, c)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(escrows) == 0 {
				fmt.Fprintln(w, "no escrows")
				return nil
			}
			for _, e := range escrows {
				fmt.Fprintf(w, "%s  %-13s %s  seller=%s buyer=%s\n",
					e.Address, e.Status, units.Format(e.Amount, decimals), e.Seller, e.Buyer)
			}
			if page.HasMore {
				fmt.Fprintf(w, "more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum escrows to list")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after a previous page")
	return cmd
}

// printEscrow renders one escrow, plus its vault when known.
func (o *Options) printEscrow(w io.Writer, e *escrow.Escrow, vault *ledger.Account, decimals int) error {
	return o.output(w, e, func(w io.Writer) {
		fmt.Fprintf(w, "escrow:    %s\n", e.Address)
		fmt.Fprintf(w, "trade id:  %s\n", e.TradeID)
		fmt.Fprintf(w, "status:    %s\n", e.Status)
		fmt.Fprintf(w, "amount:    %s\n", units.Format(e.Amount, decimals))
		fmt.Fprintf(w, "seller:    %s\n", e.Seller)
		fmt.Fprintf(w, "buyer:     %s\n", e.Buyer)
		fmt.Fprintf(w, "admin:     %s\n", e.Admin)
		fmt.Fprintf(w, "vault:     %s\n", e.Vault)
		if vault != nil {
			fmt.Fprintf(w, "vault bal: %s\n", units.Format(vault.Balance, decimals))
		}
		fmt.Fprintf(w, "created:   %s\n", e.CreatedAt.Format(time.RFC3339))
		if e.Status == escrow.StatusLocked {
			fmt.Fprintf(w, "reclaim:   after %s\n", e.ReclaimableAt().Format(time.RFC3339))
		}
		if e.DisputedBy != "" {
			fmt.Fprintf(w, "disputed:  by %s", e.DisputedBy)
			if e.DisputeReason != "" {
				fmt.Fprintf(w, " (%s)", e.DisputeReason)
			}
			fmt.Fprintln(w)
		}
		if e.Resolution != "" {
			fmt.Fprintf(w, "outcome:   %s\n", e.Resolution)
		}
	})
}
