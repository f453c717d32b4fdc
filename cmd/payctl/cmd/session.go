package cmd

import (
	"fmt"
	"time"

	"agent-wallet-core/internal/service/credits"
	"agent-wallet-core/pkg/logger"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Establish a credits session and print the masked token",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := loadWallet()
		if err != nil {
			return err
		}
		c := credits.NewClient(w, credits.Options{
			BaseURL: cfg.Credits.BaseURL,
			ChainID: cfg.Credits.ChainID,
			Timeout: cfg.Credits.RequestTimeout,
			TTL:     cfg.Credits.SignatureTTL,
		})
		s, err := c.EstablishSession(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wallet:  %s\n", s.Wallet)
		fmt.Fprintf(out, "token:   %s\n", logger.MaskSecret(s.Token))
		fmt.Fprintf(out, "expires: %s (in %s)\n", s.ExpiresAt.Format(time.RFC3339), time.Until(s.ExpiresAt).Round(time.Second))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}
