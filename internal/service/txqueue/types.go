package txqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusBroadcasting Status = "broadcasting"
	StatusBroadcast    Status = "broadcast"
	StatusConfirmed    Status = "confirmed"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusBroadcasting, StatusBroadcast,
	StatusConfirmed, StatusFailed, StatusExpired,
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusBroadcasting, StatusExpired},
	StatusBroadcasting: {StatusBroadcast, StatusPending, StatusFailed, StatusExpired},
	StatusBroadcast:    {StatusConfirmed, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// QueuedTransaction is the queue's canonical record. Only the queue mutates
// it; everything handed out is a Summary copy.
type QueuedTransaction struct {
	ID          uuid.UUID
	Status      Status
	Wallet      string
	Nonce       *uint64
	Payload     []byte
	PayloadHash string // blake3 of Payload
	TxHash      string
	RetryCount  int
	LastError   string
	SubmittedAt time.Time
	BroadcastAt *time.Time
	ConfirmedAt *time.Time
	Deadline    time.Time
	NextAttempt time.Time // earliest time the driver may pick it up again
	UpdatedAt   time.Time

	seq uint64 // submission order within this process
}

func (t *QueuedTransaction) clone() *QueuedTransaction {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	if t.Nonce != nil {
		n := *t.Nonce
		c.Nonce = &n
	}
	if t.BroadcastAt != nil {
		b := *t.BroadcastAt
		c.BroadcastAt = &b
	}
	if t.ConfirmedAt != nil {
		ct := *t.ConfirmedAt
		c.ConfirmedAt = &ct
	}
	return &c
}

func (t *QueuedTransaction) active() bool {
	return !t.Status.Terminal()
}

// Summary is the read model returned by every query. TxHash is set once a
// broadcast succeeded and is kept through Confirmed, Failed (reverted) and
// Expired, so an expired transaction that was sent still shows its hash.
type Summary struct {
	ID          uuid.UUID       `json:"id"`
	Status      Status          `json:"status"`
	Wallet      string          `json:"wallet"`
	Nonce       *uint64         `json:"nonce,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	TxHash      string          `json:"tx_hash,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	BroadcastAt *time.Time      `json:"broadcast_at,omitempty"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	Deadline    time.Time       `json:"deadline"`
}

func (t *QueuedTransaction) Summary() Summary {
	c := t.clone()
	return Summary{
		ID:          c.ID,
		Status:      c.Status,
		Wallet:      c.Wallet,
		Nonce:       c.Nonce,
		Payload:     json.RawMessage(c.Payload),
		PayloadHash: c.PayloadHash,
		TxHash:      c.TxHash,
		RetryCount:  c.RetryCount,
		LastError:   c.LastError,
		SubmittedAt: c.SubmittedAt,
		BroadcastAt: c.BroadcastAt,
		ConfirmedAt: c.ConfirmedAt,
		Deadline:    c.Deadline,
	}
}

// Counts is a per-status tally.
type Counts map[Status]int
