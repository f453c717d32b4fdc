package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agent-wallet-core/internal/event"
	"agent-wallet-core/internal/service/chain"
	"agent-wallet-core/internal/service/mq"
	"agent-wallet-core/pkg/config"
	"agent-wallet-core/pkg/crypto_util"
	"agent-wallet-core/pkg/kms"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"
	wtypes "agent-wallet-core/pkg/wallet/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChainClient is everything the queue needs from the chain.
type ChainClient interface {
	NonceSource
	// Broadcast signs payload with nonce and sends it. Errors carry
	// retryability via chain.BroadcastError; unclassified errors are retried.
	Broadcast(ctx context.Context, payload []byte, nonce uint64) (string, error)
	ConfirmationStatus(ctx context.Context, txHash string) (chain.ConfirmationStatus, error)
}

type Config struct {
	MaxPending       int           // 0 disables the bound
	MaxAttempts      int           // broadcast attempts before Failed
	BaseBackoff      time.Duration // delay after the first failed attempt, doubled per attempt
	MaxBackoff       time.Duration
	TTL              time.Duration // default deadline from submission
	Workers          int           // wallets advanced in parallel per tick
	BroadcastTimeout time.Duration
	StatusTopic      string
	ChainLabel       string // metrics label
}

func DefaultConfig() Config {
	return Config{
		MaxPending:       256,
		MaxAttempts:      5,
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       time.Minute,
		TTL:              30 * time.Minute,
		Workers:          4,
		BroadcastTimeout: 30 * time.Second,
		ChainLabel:       "evm",
	}
}

// ConfigFrom maps the tx_queue config section, keeping defaults for unset
// values.
func ConfigFrom(c config.TxQueueConfig) Config {
	cfg := DefaultConfig()
	if c.MaxPending > 0 {
		cfg.MaxPending = c.MaxPending
	}
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.BaseBackoff > 0 {
		cfg.BaseBackoff = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	if c.TTL > 0 {
		cfg.TTL = c.TTL
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	cfg.StatusTopic = c.StatusTopic
	return cfg
}

type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithProducer publishes a TxStatusChanged event after every transition.
func WithProducer(p mq.Producer) Option {
	return func(q *Queue) { q.producer = p }
}

type submitOptions struct {
	id       uuid.UUID
	deadline time.Time
}

type SubmitOption func(*submitOptions)

// WithID uses a caller-assigned id instead of a random one.
func WithID(id uuid.UUID) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithDeadline overrides the default now+TTL deadline.
func WithDeadline(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.deadline = t }
}

// Queue tracks every transaction the wallet sends. The store is the source
// of truth; the index mirrors it so reads never touch I/O.
type Queue struct {
	store    Store
	chain    ChainClient
	wallet   kms.Signer
	nonces   *NonceManager
	producer mq.Producer
	cfg      Config
	now      func() time.Time
	log      *zap.Logger

	// wmu orders writers: store write first, then the index swap.
	wmu   sync.Mutex
	dirty map[uuid.UUID]bool // index ahead of the store; guarded by wmu

	mu       sync.RWMutex
	txs      map[uuid.UUID]*QueuedTransaction // never mutated in place
	order    []uuid.UUID                      // submission order
	seq      uint64
	inflight map[uuid.UUID]bool
	started  bool
	syncedAt time.Time // local time the last Recover or Sync started
}

// syncOverlap widens every Sync window to cover clock skew between
// processes sharing a store.
const syncOverlap = time.Minute

func New(store Store, chainClient ChainClient, wallet kms.Signer, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = def.BroadcastTimeout
	}
	if cfg.ChainLabel == "" {
		cfg.ChainLabel = def.ChainLabel
	}
	q := &Queue{
		store:    store,
		chain:    chainClient,
		wallet:   wallet,
		nonces:   NewNonceManager(chainClient),
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Named("txqueue"),
		dirty:    make(map[uuid.UUID]bool),
		txs:      make(map[uuid.UUID]*QueuedTransaction),
		inflight: make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Recover loads every row from the store and rebuilds the index. It must run
// before Submit or Tick, and again whenever another process may have driven
// the store (the driver calls it on gaining the lease).
func (q *Queue) Recover(ctx context.Context) error {
	start := q.now()
	rows, err := q.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	q.txs = make(map[uuid.UUID]*QueuedTransaction, len(rows))
	q.order = make([]uuid.UUID, 0, len(rows))
	q.seq = 0
	q.dirty = make(map[uuid.UUID]bool)

	var resumed int
	for _, tx := range rows {
		q.seq++
		tx.seq = q.seq
		q.txs[tx.ID] = tx
		q.order = append(q.order, tx.ID)

		switch {
		case tx.Status == StatusBroadcast && tx.Nonce != nil:
			q.nonces.Observe(tx.Wallet, *tx.Nonce)
		case tx.Status == StatusBroadcasting:
			resumed++
		}
	}
	q.started = true
	q.syncedAt = start

	q.log.Info("queue recovered", zap.Int("rows", len(rows)), zap.Int("resuming", resumed))
	return nil
}

// Sync folds in rows other processes wrote to a shared store: submissions
// accepted elsewhere, and transitions made by whichever process drives the
// queue. Rows this process has a pending write or an attempt in flight for
// keep their in-memory state.
func (q *Queue) Sync(ctx context.Context) error {
	q.mu.RLock()
	started, since := q.started, q.syncedAt
	q.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	start := q.now()
	rows, err := q.store.LoadSince(ctx, since.Add(-syncOverlap))
	if err != nil {
		return fmt.Errorf("load changes: %w", err)
	}
	seen := make(map[uuid.UUID]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
	}

	q.wmu.Lock()
	q.mu.Lock()
	added, updated := q.mergeLocked(rows)
	stale := false
	for id, tx := range q.txs {
		// active here but terminal in the store, outside the window
		if tx.active() && !seen[id] && !q.dirty[id] {
			stale = true
			break
		}
	}
	q.syncedAt = start
	q.mu.Unlock()
	q.wmu.Unlock()

	if stale {
		all, err := q.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
		q.wmu.Lock()
		q.mu.Lock()
		a, u := q.mergeLocked(all)
		q.mu.Unlock()
		q.wmu.Unlock()
		added, updated = added+a, updated+u
	}

	if added > 0 || updated > 0 {
		q.log.Debug("queue synced", zap.Int("added", added), zap.Int("updated", updated))
	}
	return nil
}

// mergeLocked adds unknown rows and replaces known ones with a store copy at
// least as new. Callers hold wmu and mu.
func (q *Queue) mergeLocked(rows []*QueuedTransaction) (added, updated int) {
	for _, row := range rows {
		cur, ok := q.txs[row.ID]
		switch {
		case !ok:
			q.seq++
			row.seq = q.seq
			q.txs[row.ID] = row
			q.order = append(q.order, row.ID)
			added++
		case q.dirty[row.ID] || q.inflight[row.ID]:
			continue
		case row.UpdatedAt.Before(cur.UpdatedAt):
			continue
		case cur.Status.Terminal() && !row.Status.Terminal():
			continue
		default:
			row.seq = cur.seq
			q.txs[row.ID] = row
			updated++
		}
		if row.Status == StatusBroadcast && row.Nonce != nil {
			q.nonces.Observe(row.Wallet, *row.Nonce)
		}
	}
	if added > 0 {
		sort.SliceStable(q.order, func(i, j int) bool {
			a, b := q.txs[q.order[i]], q.txs[q.order[j]]
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			return a.seq < b.seq
		})
	}
	return added, updated
}

// Submit validates payload and records it as Pending. It returns once the
// store has the row; broadcasting happens on the driver.
func (q *Queue) Submit(ctx context.Context, payload []byte, opts ...SubmitOption) (uuid.UUID, error) {
	if q.wallet == nil || q.wallet.Address() == "" {
		return uuid.Nil, ErrWalletUnavailable
	}
	walletAddr := q.wallet.Address()

	utx, err := wtypes.DecodeUnsigned(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if utx.From != "" && !strings.EqualFold(utx.From, walletAddr) {
		return uuid.Nil, fmt.Errorf("%w: from %s is not the signing wallet", ErrInvalidPayload, utx.From)
	}

	so := submitOptions{}
	for _, opt := range opts {
		opt(&so)
	}
	now := q.now()
	if so.id == uuid.Nil {
		so.id = uuid.New()
	}
	if so.deadline.IsZero() {
		so.deadline = now.Add(q.cfg.TTL)
	}
	if !so.deadline.After(now) {
		return uuid.Nil, fmt.Errorf("%w: deadline already passed", ErrInvalidPayload)
	}

	tx := &QueuedTransaction{
		ID:          so.id,
		Status:      StatusPending,
		Wallet:      walletAddr,
		Payload:     append([]byte(nil), payload...),
		PayloadHash: crypto_util.CalculateBlake3(payload),
		SubmittedAt: now,
		Deadline:    so.deadline,
		NextAttempt: now,
		UpdatedAt:   now,
	}

	if err := q.insert(ctx, tx); err != nil {
		return uuid.Nil, err
	}

	q.log.Info("transaction queued",
		zap.String("tx_id", tx.ID.String()),
		zap.String("wallet", tx.Wallet),
		zap.String("to", utx.To),
		zap.String("payload_hash", tx.PayloadHash))
	q.publish(ctx, "", tx)
	if monitor.Business != nil {
		monitor.Business.QueueTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	}
	return tx.ID, nil
}

func (q *Queue) insert(ctx context.Context, tx *QueuedTransaction) error {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	q.mu.RLock()
	started := q.started
	_, exists := q.txs[tx.ID]
	pending := q.countLocked(StatusPending)
	q.mu.RUnlock()

	switch {
	case !started:
		return ErrNotStarted
	case exists:
		return ErrDuplicateID
	case q.cfg.MaxPending > 0 && pending >= q.cfg.MaxPending:
		return ErrQueueFull
	}

	if err := q.store.Insert(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			return ErrDuplicateID
		}
		return fmt.Errorf("store insert: %w", err)
	}

	q.mu.Lock()
	q.seq++
	tx.seq = q.seq
	q.txs[tx.ID] = tx
	q.order = append(q.order, tx.ID)
	q.mu.Unlock()
	return nil
}

// Get returns the summary for id.
func (q *Queue) Get(id uuid.UUID) (Summary, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tx, ok := q.txs[id]
	if !ok {
		return Summary{}, false
	}
	return tx.Summary(), true
}

// ListByStatus returns matching transactions in submission order.
func (q *Queue) ListByStatus(status Status) []Summary {
	return q.filter(func(tx *QueuedTransaction) bool { return tx.Status == status })
}

// ListPending returns Pending and Broadcasting transactions in submission order.
func (q *Queue) ListPending() []Summary {
	return q.filter(func(tx *QueuedTransaction) bool {
		return tx.Status == StatusPending || tx.Status == StatusBroadcasting
	})
}

// ListRecent returns up to limit transactions, newest submission first.
func (q *Queue) ListRecent(limit int) []Summary {
	out := []Summary{}
	if limit <= 0 {
		return out
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.txs[q.order[i]].Summary())
	}
	return out
}

func (q *Queue) CountByStatus(status Status) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.countLocked(status)
}

// Counts tallies every status, including zeros.
func (q *Queue) Counts() Counts {
	c := make(Counts, len(AllStatuses))
	for _, s := range AllStatuses {
		c[s] = 0
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, tx := range q.txs {
		c[tx.Status]++
	}
	return c
}

// WalletAddress is the address every submission is bound to.
func (q *Queue) WalletAddress() string {
	if q.wallet == nil {
		return ""
	}
	return q.wallet.Address()
}

func (q *Queue) filter(keep func(*QueuedTransaction) bool) []Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := []Summary{}
	for _, id := range q.order {
		if tx := q.txs[id]; keep(tx) {
			out = append(out, tx.Summary())
		}
	}
	return out
}

func (q *Queue) countLocked(status Status) int {
	n := 0
	for _, tx := range q.txs {
		if tx.Status == status {
			n++
		}
	}
	return n
}

// transition moves id to status to, applying mutate to a copy. The store
// write happens first; a failed write leaves the index untouched, except
// when leaving Broadcasting: that outcome already happened on chain (or the
// nonce was already released), so the index follows it and the row is
// re-persisted on a later tick.
func (q *Queue) transition(ctx context.Context, id uuid.UUID, to Status, mutate func(*QueuedTransaction)) (*QueuedTransaction, error) {
	from, next, err := q.commit(ctx, id, to, mutate)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, from, next)
	if monitor.Business != nil {
		monitor.Business.QueueTransitionsTotal.WithLabelValues(string(to)).Inc()
		if to == StatusConfirmed && next.ConfirmedAt != nil {
			monitor.Business.ConfirmationLatency.WithLabelValues(q.cfg.ChainLabel).
				Observe(next.ConfirmedAt.Sub(next.SubmittedAt).Seconds())
		}
	}
	return next.clone(), nil
}

func (q *Queue) commit(ctx context.Context, id uuid.UUID, to Status, mutate func(*QueuedTransaction)) (Status, *QueuedTransaction, error) {
	q.wmu.Lock()
	defer q.wmu.Unlock()

	q.mu.RLock()
	cur, ok := q.txs[id]
	q.mu.RUnlock()
	if !ok {
		return "", nil, ErrNotFound
	}
	if !CanTransition(cur.Status, to) {
		return "", nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, to)
	}

	next := cur.clone()
	next.Status = to
	next.UpdatedAt = q.now()
	if mutate != nil {
		mutate(next)
	}

	if err := q.store.Update(ctx, next); err != nil {
		if cur.Status != StatusBroadcasting {
			return "", nil, fmt.Errorf("store update %s -> %s: %w", cur.Status, to, err)
		}
		q.dirty[id] = true
		q.log.Error("store update failed, keeping state in memory",
			zap.String("tx_id", id.String()),
			zap.String("status", string(to)),
			zap.Error(err))
	} else {
		delete(q.dirty, id)
	}

	q.mu.Lock()
	q.txs[id] = next
	q.mu.Unlock()
	return cur.Status, next, nil
}

func (q *Queue) publish(ctx context.Context, from Status, tx *QueuedTransaction) {
	if q.producer == nil || q.cfg.StatusTopic == "" {
		return
	}
	ev := event.TxStatusChanged{
		ID:         tx.ID.String(),
		Wallet:     tx.Wallet,
		From:       string(from),
		To:         string(tx.Status),
		Nonce:      tx.Nonce,
		TxHash:     tx.TxHash,
		RetryCount: tx.RetryCount,
		LastError:  tx.LastError,
		At:         tx.UpdatedAt,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.producer.Publish(ctx, q.cfg.StatusTopic, tx.Wallet, body); err != nil {
		q.log.Warn("publish status event", zap.String("tx_id", ev.ID), zap.Error(err))
	}
}
