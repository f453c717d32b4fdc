package event

import (
	"encoding/json"
	"time"
)

// TxSubmitRequested asks the queue to accept a transaction.
// Topic: tx_queue.submit_topic (default wallet_events_tx_submit)
type TxSubmitRequested struct {
	ID       string          `json:"id,omitempty"` // optional caller-assigned UUID, makes redelivery idempotent
	Payload  json.RawMessage `json:"payload"`      // UnsignedTransaction JSON
	Deadline *time.Time      `json:"deadline,omitempty"`
}

// TxStatusChanged is published after every committed queue transition.
// Topic: tx_queue.status_topic (default wallet_events_tx_status), key = wallet
type TxStatusChanged struct {
	ID         string    `json:"id"`
	Wallet     string    `json:"wallet"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Nonce      *uint64   `json:"nonce,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	At         time.Time `json:"at"`
}
