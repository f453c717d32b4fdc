package cmd

import (
	"fmt"
	"os"

	"agent-wallet-core/pkg/config"
	"agent-wallet-core/pkg/kms"

	"github.com/spf13/cobra"
)

var (
	configDir string
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "payctl",
	Short:         "Operator tool for the agent payment wallet",
	Long:          `payctl manages the wallet keystore, signs ERC-8128 requests, inspects credits sessions and submits transactions to the payments server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var paths []string
		if configDir != "" {
			paths = append(paths, configDir)
		}
		c, err := config.Load(paths...)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")
}

func loadWallet() (kms.Wallet, error) {
	w, err := kms.FromConfig(cfg.Wallet)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}
