package model

import (
	"time"

	"github.com/google/uuid"
)

// QueuedTransaction is one row of the transaction queue. Rows are never
// deleted; terminal rows stay for audit.
type QueuedTransaction struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Status      string     `gorm:"type:varchar(16);not null;index" json:"status"`
	Wallet      string     `gorm:"type:varchar(42);not null;index" json:"wallet"`
	Nonce       *int64     `json:"nonce"`
	Payload     []byte     `gorm:"type:bytea;not null" json:"payload"`
	PayloadHash string     `gorm:"type:varchar(64);not null" json:"payload_hash"`
	TxHash      *string    `gorm:"type:varchar(66);index" json:"tx_hash"`
	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	SubmittedAt time.Time  `gorm:"not null;index" json:"submitted_at"`
	BroadcastAt *time.Time `json:"broadcast_at"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
	Deadline    time.Time  `gorm:"not null" json:"deadline"`
	NextAttempt time.Time  `gorm:"not null" json:"next_attempt"`
	UpdatedAt   time.Time  `gorm:"index" json:"updated_at"`
}

func (QueuedTransaction) TableName() string {
	return "queued_transactions"
}
