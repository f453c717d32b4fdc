package txqueue

import (
	"context"
	"strings"
	"time"

	"agent-wallet-core/internal/service/chain"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tick runs one pass of the broadcast driver: re-persist rows the store
// missed, expire overdue transactions, advance the head of every wallet and
// poll broadcast transactions for confirmations.
func (q *Queue) Tick(ctx context.Context) error {
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	q.retryDirty(ctx)
	q.expireOverdue(ctx)
	q.advanceAll(ctx)
	q.pollConfirmations(ctx)
	return ctx.Err()
}

func (q *Queue) retryDirty(ctx context.Context) {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	for id := range q.dirty {
		q.mu.RLock()
		tx := q.txs[id]
		q.mu.RUnlock()
		if err := q.store.Update(ctx, tx); err != nil {
			q.log.Warn("re-persist failed", zap.String("tx_id", id.String()), zap.Error(err))
			continue
		}
		delete(q.dirty, id)
	}
}

func (q *Queue) expireOverdue(ctx context.Context) {
	now := q.now()
	var overdue []*QueuedTransaction
	q.mu.RLock()
	for _, id := range q.order {
		tx := q.txs[id]
		if tx.active() && !q.inflight[id] && now.After(tx.Deadline) {
			overdue = append(overdue, tx)
		}
	}
	q.mu.RUnlock()

	for _, tx := range overdue {
		next, err := q.transition(ctx, tx.ID, StatusExpired, func(t *QueuedTransaction) {
			if t.LastError != "" {
				t.LastError = "deadline exceeded; last error: " + t.LastError
			} else {
				t.LastError = "deadline exceeded"
			}
		})
		if err != nil {
			q.log.Warn("expire", zap.String("tx_id", tx.ID.String()), zap.Error(err))
			continue
		}
		if next.TxHash != "" {
			q.rebaseNonce(next.Wallet)
		}
		q.log.Info("transaction expired",
			zap.String("tx_id", next.ID.String()),
			zap.String("from", string(tx.Status)),
			zap.String("tx_hash", next.TxHash))
	}
}

// rebaseNonce runs after a broadcast transaction expired: its nonce may never
// be mined, so the local counter drops back, but never to or below a nonce
// still held by a live transaction of the same wallet.
func (q *Queue) rebaseNonce(wallet string) {
	var highest *uint64
	q.mu.RLock()
	for _, tx := range q.txs {
		if tx.Nonce == nil || !strings.EqualFold(tx.Wallet, wallet) {
			continue
		}
		if tx.Status != StatusBroadcasting && tx.Status != StatusBroadcast {
			continue
		}
		if highest == nil || *tx.Nonce > *highest {
			n := *tx.Nonce
			highest = &n
		}
	}
	q.mu.RUnlock()

	if highest == nil {
		q.nonces.Forget(wallet)
		return
	}
	q.nonces.ResetTo(wallet, *highest+1)
}

// heads picks, per wallet, the oldest transaction still waiting to be sent.
// A wallet whose head is backing off is skipped entirely so later
// transactions never overtake it. Picked heads are marked inflight.
func (q *Queue) heads() []*QueuedTransaction {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	var out []*QueuedTransaction
	for _, id := range q.order {
		tx := q.txs[id]
		if tx.Status != StatusPending && tx.Status != StatusBroadcasting {
			continue
		}
		if seen[tx.Wallet] {
			continue
		}
		seen[tx.Wallet] = true
		if q.inflight[id] {
			continue
		}
		if tx.Status == StatusPending && tx.NextAttempt.After(now) {
			continue
		}
		q.inflight[id] = true
		out = append(out, tx)
	}
	return out
}

func (q *Queue) advanceAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(q.cfg.Workers)
	for _, tx := range q.heads() {
		g.Go(func() error {
			defer q.done(tx.ID)
			q.advance(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) done(id uuid.UUID) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

// advance takes one transaction from Pending (or a recovered Broadcasting)
// through a single broadcast attempt.
func (q *Queue) advance(ctx context.Context, tx *QueuedTransaction) {
	log := q.log.With(zap.String("tx_id", tx.ID.String()), zap.String("wallet", tx.Wallet))

	var nonce uint64
	if tx.Status == StatusBroadcasting && tx.Nonce == nil {
		// no recorded nonce means nothing was sent
		if _, err := q.transition(ctx, tx.ID, StatusPending, nil); err != nil {
			log.Error("requeue broadcasting without nonce", zap.Error(err))
		}
		return
	}
	if tx.Status == StatusBroadcasting {
		nonce = *tx.Nonce
		if err := q.nonces.Adopt(ctx, tx.Wallet, nonce); err != nil {
			return
		}
		log.Info("resuming broadcast", zap.Uint64("nonce", nonce))
	} else {
		n, err := q.nonces.Reserve(ctx, tx.Wallet)
		if err != nil {
			// no attempt was made; try again next tick
			log.Warn("reserve nonce", zap.Error(err))
			return
		}
		nonce = n
		if _, err := q.transition(ctx, tx.ID, StatusBroadcasting, func(t *QueuedTransaction) {
			t.Nonce = &n
		}); err != nil {
			q.nonces.Release(tx.Wallet)
			log.Error("mark broadcasting", zap.Error(err))
			return
		}
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.BroadcastTimeout)
	hash, err := q.chain.Broadcast(bctx, tx.Payload, nonce)
	cancel()

	if err == nil {
		q.nonces.Commit(tx.Wallet, nonce)
		now := q.now()
		if _, terr := q.transition(ctx, tx.ID, StatusBroadcast, func(t *QueuedTransaction) {
			t.TxHash = hash
			t.BroadcastAt = &now
			t.LastError = ""
		}); terr != nil {
			log.Error("mark broadcast", zap.String("tx_hash", hash), zap.Error(terr))
		}
		countAttempt("ok")
		log.Info("transaction broadcast", zap.Uint64("nonce", nonce), zap.String("tx_hash", hash))
		return
	}

	q.nonces.Release(tx.Wallet)
	attempts := tx.RetryCount + 1
	retryable := chain.IsRetryable(err)

	if !retryable || attempts >= q.cfg.MaxAttempts {
		countAttempt("failed")
		if _, terr := q.transition(ctx, tx.ID, StatusFailed, func(t *QueuedTransaction) {
			t.RetryCount = attempts
			t.LastError = err.Error()
			t.Nonce = nil
		}); terr != nil {
			log.Error("mark failed", zap.Error(terr))
		}
		log.Warn("transaction failed",
			zap.Int("attempts", attempts),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		return
	}

	countAttempt("retry")
	delay := q.backoff(attempts)
	if _, terr := q.transition(ctx, tx.ID, StatusPending, func(t *QueuedTransaction) {
		t.RetryCount = attempts
		t.LastError = err.Error()
		t.Nonce = nil
		t.NextAttempt = q.now().Add(delay)
	}); terr != nil {
		log.Error("mark pending", zap.Error(terr))
	}
	log.Warn("broadcast failed, will retry",
		zap.Int("attempts", attempts),
		zap.Duration("backoff", delay),
		zap.Error(err))
}

// backoff is BaseBackoff * 2^(attempts-1), capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff || d <= 0 {
			return q.cfg.MaxBackoff
		}
	}
	return d
}

func (q *Queue) pollConfirmations(ctx context.Context) {
	var broadcast []*QueuedTransaction
	q.mu.RLock()
	for _, id := range q.order {
		if tx := q.txs[id]; tx.Status == StatusBroadcast && !q.inflight[id] {
			broadcast = append(broadcast, tx)
		}
	}
	q.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(q.cfg.Workers)
	for _, tx := range broadcast {
		g.Go(func() error {
			q.checkConfirmation(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue) checkConfirmation(ctx context.Context, tx *QueuedTransaction) {
	status, err := q.chain.ConfirmationStatus(ctx, tx.TxHash)
	if err != nil {
		q.log.Debug("confirmation poll", zap.String("tx_hash", tx.TxHash), zap.Error(err))
		return
	}
	switch status {
	case chain.ConfirmationConfirmed:
		now := q.now()
		if _, err := q.transition(ctx, tx.ID, StatusConfirmed, func(t *QueuedTransaction) {
			t.ConfirmedAt = &now
		}); err != nil {
			q.log.Warn("mark confirmed", zap.String("tx_id", tx.ID.String()), zap.Error(err))
			return
		}
		q.log.Info("transaction confirmed", zap.String("tx_id", tx.ID.String()), zap.String("tx_hash", tx.TxHash))
	case chain.ConfirmationReverted:
		if _, err := q.transition(ctx, tx.ID, StatusFailed, func(t *QueuedTransaction) {
			t.LastError = "reverted on chain"
		}); err != nil {
			q.log.Warn("mark reverted", zap.String("tx_id", tx.ID.String()), zap.Error(err))
			return
		}
		q.log.Warn("transaction reverted", zap.String("tx_id", tx.ID.String()), zap.String("tx_hash", tx.TxHash))
	}
}

func countAttempt(result string) {
	if monitor.Business != nil {
		monitor.Business.BroadcastAttemptsTotal.WithLabelValues(result).Inc()
	}
}

// Locker is a cross-process lease, e.g. lock.RedisLock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Driver runs Tick on an interval. With a Locker only the lease holder
// ticks: it reloads the store on gaining the lease and folds in rows other
// processes submitted before every tick. The other processes only Sync, so
// their reads follow the holder's transitions.
type Driver struct {
	queue    *Queue
	interval time.Duration
	lock     Locker
	lockKey  string
	lockTTL  time.Duration
	leader   bool
	log      *zap.Logger
}

type DriverOption func(*Driver)

// WithLock makes the driver tick only while holding key. ttl must exceed
// the interval so the lease survives between ticks.
func WithLock(l Locker, key string, ttl time.Duration) DriverOption {
	return func(d *Driver) {
		d.lock = l
		d.lockKey = key
		d.lockTTL = ttl
	}
}

func NewDriver(q *Queue, interval time.Duration, opts ...DriverOption) *Driver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d := &Driver{queue: q, interval: interval, log: logger.Named("txqueue.driver")}
	for _, opt := range opts {
		opt(d)
	}
	if d.lock != nil && d.lockTTL <= d.interval {
		d.lockTTL = 3 * d.interval
	}
	return d
}

// Run blocks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("tx queue driver started", zap.Duration("interval", d.interval))
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.resign()
			d.log.Info("tx queue driver stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	if d.lock != nil {
		ok, err := d.lock.Acquire(ctx, d.lockKey, d.lockTTL)
		if err != nil {
			d.log.Warn("acquire driver lock", zap.Error(err))
		}
		if err != nil || !ok {
			if d.leader {
				d.log.Info("driver lease lost")
			}
			d.leader = false
			d.sync(ctx)
			return
		}
		if !d.leader {
			if err := d.queue.Recover(ctx); err != nil {
				d.log.Error("reload before driving", zap.Error(err))
				return
			}
			d.leader = true
			d.log.Info("driver lease acquired")
		} else if !d.sync(ctx) {
			return
		}
	}
	if err := d.queue.Tick(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn("tick", zap.Error(err))
	}
}

func (d *Driver) sync(ctx context.Context) bool {
	if err := d.queue.Sync(ctx); err != nil {
		if ctx.Err() == nil {
			d.log.Warn("sync from store", zap.Error(err))
		}
		return false
	}
	return true
}

func (d *Driver) resign() {
	if d.lock == nil || !d.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.lock.Release(ctx, d.lockKey); err != nil {
		d.log.Warn("release driver lock", zap.Error(err))
	}
	d.leader = false
}
