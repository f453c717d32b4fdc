package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"agent-wallet-core/pkg/erc8128"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <payload.json>",
	Short: "Submit a transaction payload to the payments server queue",
	Long: `Reads a transaction payload (from, to, value, data, gas, fees) from a file,
or "-" for stdin, and POSTs it to /api/tx-queue as an ERC-8128 signed request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		id, _ := cmd.Flags().GetString("id")
		deadline, _ := cmd.Flags().GetDuration("deadline")

		var raw []byte
		var err error
		if args[0] == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("payload is not valid JSON")
		}

		req := map[string]any{"payload": json.RawMessage(raw)}
		if id != "" {
			req["id"] = id
		}
		if deadline > 0 {
			req["deadline"] = time.Now().Add(deadline).UTC().Format(time.RFC3339)
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		w, err := loadWallet()
		if err != nil {
			return err
		}
		url := strings.TrimRight(server, "/") + "/api/tx-queue"
		httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if err := erc8128.NewSigner(w, cfg.Wallet.ChainID, erc8128.WithTTL(cfg.Credits.SignatureTTL)).SignHTTP(httpReq); err != nil {
			return err
		}

		resp, err := (&http.Client{Timeout: cfg.Credits.RequestTimeout}).Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var envelope struct {
			Code int             `json:"code"`
			Msg  string          `json:"msg"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("%s: decode response: %w", resp.Status, err)
		}
		if resp.StatusCode != http.StatusOK || envelope.Code != 0 {
			return fmt.Errorf("submit rejected: %s (code %d)", envelope.Msg, envelope.Code)
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, envelope.Data, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("server", "http://localhost:8080", "payments server base URL")
	submitCmd.Flags().String("id", "", "client-chosen transaction UUID")
	submitCmd.Flags().Duration("deadline", 0, "relative deadline, e.g. 10m (default server TTL)")
}
