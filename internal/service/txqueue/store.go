package txqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable source of truth. The in-memory index only changes
// after the store has accepted a write.
type Store interface {
	// Insert fails with ErrDuplicateID if the id exists.
	Insert(ctx context.Context, tx *QueuedTransaction) error
	// Update overwrites the mutable fields of an existing row.
	Update(ctx context.Context, tx *QueuedTransaction) error
	// LoadAll returns every row, oldest submission first.
	LoadAll(ctx context.Context) ([]*QueuedTransaction, error)
	// LoadSince returns rows updated at or after since plus every
	// non-terminal row, oldest submission first.
	LoadSince(ctx context.Context, since time.Time) ([]*QueuedTransaction, error)
}

// MemoryStore keeps rows in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*QueuedTransaction
	ids  []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*QueuedTransaction)}
}

func (s *MemoryStore) Insert(ctx context.Context, tx *QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tx.ID]; ok {
		return ErrDuplicateID
	}
	s.rows[tx.ID] = tx.clone()
	s.ids = append(s.ids, tx.ID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, tx *QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tx.ID]; !ok {
		return ErrNotFound
	}
	s.rows[tx.ID] = tx.clone()
	return nil
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]*QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueuedTransaction, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.rows[id].clone())
	}
	return out, nil
}

func (s *MemoryStore) LoadSince(ctx context.Context, since time.Time) ([]*QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*QueuedTransaction
	for _, id := range s.ids {
		row := s.rows[id]
		if row.Status.Terminal() && row.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, row.clone())
	}
	return out, nil
}
