package main

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/verigate/internal/api"
)

func newQuotaCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "quota <wallet-address>",
		Short: "Show the free requests remaining for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuota(cmd, stdout, stderr, args[0])
		},
	}
}

func runQuota(cmd *cobra.Command, stdout, stderr io.Writer, wallet string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("%q is not a wallet address", wallet)
	}
	cfg, _, err := loadConfig(cmd, stderr)
	if err != nil {
		return err
	}

	client := api.NewClient(api.WithBaseURL(cfg.Backend.BaseURL), api.WithAPIKey(cfg.Backend.APIKey))
	n, err := client.FreeRequests(cmd.Context(), wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d free requests remaining\n", common.HexToAddress(wallet).Hex(), n)
	return nil
}
