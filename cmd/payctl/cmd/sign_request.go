package cmd

import (
	"fmt"
	"strings"

	"agent-wallet-core/pkg/erc8128"

	"github.com/spf13/cobra"
)

var signRequestCmd = &cobra.Command{
	Use:   "sign-request",
	Short: "Print ERC-8128 headers for one HTTP request",
	Example: `  payctl sign-request --method POST --url https://inference.defirelay.com/credits/session --body '{}'
  curl -X POST -H "$(payctl sign-request ... | sed -n 1p)" ...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		rawURL, _ := cmd.Flags().GetString("url")
		body, _ := cmd.Flags().GetString("body")
		chainID, _ := cmd.Flags().GetInt64("chain-id")
		if chainID == 0 {
			chainID = cfg.Credits.ChainID
		}

		var b []byte
		if body != "" {
			b = []byte(body)
		}
		target, err := erc8128.ParseTarget(strings.ToUpper(method), rawURL, b)
		if err != nil {
			return err
		}

		w, err := loadWallet()
		if err != nil {
			return err
		}
		m, err := erc8128.NewSigner(w, chainID, erc8128.WithTTL(cfg.Credits.SignatureTTL)).SignRequest(cmd.Context(), target)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", erc8128.HeaderSignatureInput, m.SignatureInput)
		fmt.Fprintf(out, "%s: %s\n", erc8128.HeaderSignature, m.Signature)
		if m.ContentDigest != "" {
			fmt.Fprintf(out, "%s: %s\n", erc8128.HeaderContentDigest, m.ContentDigest)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signRequestCmd)
	signRequestCmd.Flags().String("method", "POST", "HTTP method")
	signRequestCmd.Flags().String("url", "", "full request URL")
	signRequestCmd.Flags().String("body", "", "request body")
	signRequestCmd.Flags().Int64("chain-id", 0, "chain id for the keyid (default credits.chain_id)")
	_ = signRequestCmd.MarkFlagRequired("url")
}
