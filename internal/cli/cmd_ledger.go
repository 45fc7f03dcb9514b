package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/units"
)

func newBalanceCmd(opts *Options) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "balance [owner]",
		Short: "Show the holding balance of an owner (default: signer)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(len(args) == 0)
			if err != nil {
				return err
			}
			owner := c.Address()
			if len(args) == 1 {
				owner = args[0]
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			acct, err := c.Balance(ctx, owner)
			if err != nil {
				return err
			}
			decimals, err := opts.decimals(ctx, c)
			if err != nil {
				return err
			}

			out := map[string]any{"account": acct}
			var entries []ledger.Entry
			if history > 0 {
				entries, err = c.History(ctx, owner, history)
				if err != nil {
					return err
				}
				out["entries"] = entries
			}

			return opts.output(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "owner:   %s\n", owner)
				fmt.Fprintf(w, "account: %s\n", acct.Address)
				fmt.Fprintf(w, "balance: %s\n", units.Format(acct.Balance, decimals))
				if history > 0 {
					fmt.Fprintln(w, "history:")
					for _, e := range entries {
						fmt.Fprintf(w, "  %s %-8s %s -> %s %s\n",
							e.CreatedAt.Format(time.RFC3339), e.Kind, orDash(e.From), e.To, units.Format(e.Amount, decimals))
					}
				}
			})
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "also show this many recent journal entries")
	return cmd
}

func newFaucetCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <owner> <amount>",
		Short: "Deposit test tokens into an owner's holding (signer is the admin)",
		Args:  cobra.ExactArgs(2),
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
			amount, err := units.Parse(args[1], decimals)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}

			acct, err := c.Faucet(ctx, args[0], amount)
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), acct, func(w io.Writer) {
				fmt.Fprintf(w, "deposited %s to %s (balance %s)\n",
					units.Format(amount, decimals), acct.Owner, units.Format(acct.Balance, decimals))
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
