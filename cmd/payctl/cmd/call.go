package cmd

import (
	"fmt"
	"io"
	"net/http"

	"agent-wallet-core/internal/service/billing"
	"agent-wallet-core/internal/service/credits"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <url>",
	Short: "POST to a metered endpoint, paying with the credits session or ERC-8128",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := cmd.Flags().GetString("body")
		mode, err := billing.ParseMode(cfg.Credits.PaymentMode)
		if err != nil {
			return err
		}

		opts := billing.Options{Mode: mode, Timeout: cfg.Credits.RequestTimeout}
		if mode == billing.ModeCredits {
			w, err := loadWallet()
			if err != nil {
				return err
			}
			opts.Session = credits.NewClient(w, credits.Options{
				BaseURL: cfg.Credits.BaseURL,
				ChainID: cfg.Credits.ChainID,
				Timeout: cfg.Credits.RequestTimeout,
				TTL:     cfg.Credits.SignatureTTL,
			})
		}

		resp, err := billing.NewClient(opts).Post(cmd.Context(), args[0], []byte(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(cmd.ErrOrStderr(), resp.Status)
		if _, err := io.Copy(out, resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("request failed: %s", resp.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().String("body", "{}", "JSON request body")
}
