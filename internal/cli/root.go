// Package cli provides the cobra command tree for escrowctl.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/client"
)

// Environment variables read when the matching flag is not set.
const (
	EnvServer     = "ESCROW_SERVER"
	EnvPrivateKey = "ESCROW_PRIVATE_KEY"
)

const defaultServer = "http://localhost:8080"

// Options holds global flags shared by every subcommand.
type Options struct {
	Server  string
	Key     string
	JSON    bool
	Timeout time.Duration

	info *client.Info
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Client for the P2P escrow server",
		Long: `escrowctl - client for the P2P escrow server

Sellers lock tokens into an escrow vault, buyers mark off-ledger payment as
sent, and the vault pays out to the buyer on release. Disputes go to the
admin; sellers reclaim after the timeout.

Instructions are signed with the key in --key or $` + EnvPrivateKey + `.`,
		SilenceErrors: true, // main prints errors
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.Server, "server", envOr(EnvServer, defaultServer), "escrow server URL (env "+EnvServer+")")
	pf.StringVar(&opts.Key, "key", "", "hex private key used to sign instructions (env "+EnvPrivateKey+")")
	pf.BoolVar(&opts.JSON, "json", false, "output as JSON")
	pf.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newKeygenCmd(opts),
		newTradeIDCmd(opts),
		newDeriveCmd(opts),
		newInitCmd(opts),
		newPaidCmd(opts),
		newReleaseCmd(opts),
		newDisputeCmd(opts),
		newResolveCmd(opts),
		newReclaimCmd(opts),
		newShowCmd(opts),
		newListCmd(opts),
		newBalanceCmd(opts),
		newFaucetCmd(opts),
	)

	return rootCmd
}

// Execute runs the root command with the given output writers.
func Execute(stdout, stderr io.Writer) error {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.Execute()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// client builds an API client, with the signing key when needKey is set.
func (o *Options) client(needKey bool) (*client.Client, error) {
	keyHex := o.Key
	if keyHex == "" {
		keyHex = os.Getenv(EnvPrivateKey)
	}
	if keyHex == "" {
		if needKey {
			return nil, fmt.Errorf("a signing key is required: pass --key or set %s", EnvPrivateKey)
		}
		return client.New(o.Server), nil
	}
	key, err := auth.ParsePrivateKey(keyHex)
	if err != nil {
		return nil, err
	}
	return client.New(o.Server, client.WithKey(key)), nil
}

func (o *Options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, o.Timeout)
}

// decimals fetches the mint precision once per invocation.
func (o *Options) decimals(ctx context.Context, c *client.Client) (int, error) {
	if o.info == nil {
		info, err := c.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("fetch server info: %w", err)
		}
		o.info = info
	}
	return o.info.MintDecimals, nil
}

// output writes v as JSON with --json, otherwise calls text.
func (o *Options) output(w io.Writer, v any, text func(io.Writer)) error {
	if o.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
