package cli

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/config"
	"github.com/mbd888/p2pescrow/internal/derive"
	"github.com/mbd888/p2pescrow/internal/validation"
)

func newKeygenCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			out := struct {
				Address    string `json:"address"`
				PrivateKey string `json:"privateKey"`
			}{
				Address:    auth.AddressOf(key),
				PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
			}
			return opts.output(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "address:     %s\n", out.Address)
				fmt.Fprintf(w, "private key: %s\n", out.PrivateKey)
			})
		},
	}
}

func newTradeIDCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "new-trade-id",
		Short: "Generate a random trade id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := derive.NewTradeID().String()
			return opts.output(cmd.OutOrStdout(), map[string]string{"tradeId": id}, func(w io.Writer) {
				fmt.Fprintln(w, id)
			})
		},
	}
}

func newDeriveCmd(opts *Options) *cobra.Command {
	var program string

	cmd := &cobra.Command{
		Use:   "derive <trade-id> <seller>",
		Short: "Compute escrow and vault addresses locally",
		Long: `Compute the escrow record and vault addresses for a trade id and seller.
The result depends only on the program address; no server is contacted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tradeID, err := derive.ParseTradeID(args[0])
			if err != nil {
				return err
			}
			if !validation.IsValidEthAddress(args[1]) {
				return fmt.Errorf("invalid seller address %q", args[1])
			}
			if !validation.IsValidEthAddress(program) {
				return fmt.Errorf("invalid program address %q", program)
			}

			pair := derive.Trade(common.HexToAddress(program), tradeID, common.HexToAddress(args[1]))
			out := map[string]string{
				"tradeId": tradeID.String(),
				"seller":  validation.SanitizeAddress(args[1]),
				"escrow":  derive.Hex(pair.Escrow),
				"vault":   derive.Hex(pair.Vault),
			}
			return opts.output(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "escrow: %s\n", out["escrow"])
				fmt.Fprintf(w, "vault:  %s\n", out["vault"])
			})
		},
	}

	cmd.Flags().StringVar(&program, "program", config.DefaultProgramAddress, "escrow program address")
	return cmd
}
