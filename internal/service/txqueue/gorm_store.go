package txqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent-wallet-core/internal/model"

	"gorm.io/gorm"
)

// GormStore persists the queue in the queued_transactions table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Insert(ctx context.Context, tx *QueuedTransaction) error {
	row := toRow(tx)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *GormStore) Update(ctx context.Context, tx *QueuedTransaction) error {
	row := toRow(tx)
	res := s.db.WithContext(ctx).Model(&model.QueuedTransaction{}).
		Where("id = ?", row.ID).
		Select("status", "nonce", "tx_hash", "retry_count", "last_error",
			"broadcast_at", "confirmed_at", "deadline", "next_attempt", "updated_at").
		Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) LoadAll(ctx context.Context) ([]*QueuedTransaction, error) {
	return s.load(s.db.WithContext(ctx))
}

func (s *GormStore) LoadSince(ctx context.Context, since time.Time) ([]*QueuedTransaction, error) {
	live := []string{string(StatusPending), string(StatusBroadcasting), string(StatusBroadcast)}
	return s.load(s.db.WithContext(ctx).Where("updated_at >= ? OR status IN ?", since, live))
}

func (s *GormStore) load(q *gorm.DB) ([]*QueuedTransaction, error) {
	var rows []model.QueuedTransaction
	if err := q.Order("submitted_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*QueuedTransaction, 0, len(rows))
	for i := range rows {
		tx, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

func toRow(tx *QueuedTransaction) model.QueuedTransaction {
	row := model.QueuedTransaction{
		ID:          tx.ID,
		Status:      string(tx.Status),
		Wallet:      tx.Wallet,
		Payload:     tx.Payload,
		PayloadHash: tx.PayloadHash,
		RetryCount:  tx.RetryCount,
		LastError:   tx.LastError,
		SubmittedAt: tx.SubmittedAt,
		BroadcastAt: tx.BroadcastAt,
		ConfirmedAt: tx.ConfirmedAt,
		Deadline:    tx.Deadline,
		NextAttempt: tx.NextAttempt,
		UpdatedAt:   tx.UpdatedAt,
	}
	if tx.Nonce != nil {
		n := int64(*tx.Nonce)
		row.Nonce = &n
	}
	if tx.TxHash != "" {
		h := tx.TxHash
		row.TxHash = &h
	}
	return row
}

func fromRow(row *model.QueuedTransaction) (*QueuedTransaction, error) {
	status, err := ParseStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ID, err)
	}
	tx := &QueuedTransaction{
		ID:          row.ID,
		Status:      status,
		Wallet:      row.Wallet,
		Payload:     row.Payload,
		PayloadHash: row.PayloadHash,
		RetryCount:  row.RetryCount,
		LastError:   row.LastError,
		SubmittedAt: row.SubmittedAt,
		BroadcastAt: row.BroadcastAt,
		ConfirmedAt: row.ConfirmedAt,
		Deadline:    row.Deadline,
		NextAttempt: row.NextAttempt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.Nonce != nil {
		n := uint64(*row.Nonce)
		tx.Nonce = &n
	}
	if row.TxHash != nil {
		tx.TxHash = *row.TxHash
	}
	return tx, nil
}
