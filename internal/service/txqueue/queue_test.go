package txqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-wallet-core/internal/event"
	"agent-wallet-core/internal/service/chain"
	"agent-wallet-core/pkg/kms"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipient   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeChain hands out the pending nonce and accepts broadcasts; errs are
// returned by successive Broadcast calls before it starts succeeding.
type fakeChain struct {
	mu          sync.Mutex
	nonce       uint64
	nonceErr    error
	errs        []error
	sent        []uint64
	statuses    map[string]chain.ConfirmationStatus
	onBroadcast func(nonce uint64)
}

func newFakeChain(nonce uint64) *fakeChain {
	return &fakeChain{nonce: nonce, statuses: make(map[string]chain.ConfirmationStatus)}
}

func hashFor(nonce uint64) string {
	return fmt.Sprintf("0x%064x", nonce)
}

func (f *fakeChain) NextNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, f.nonceErr
}

func (f *fakeChain) Broadcast(_ context.Context, _ []byte, nonce uint64) (string, error) {
	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	hook := f.onBroadcast
	f.mu.Unlock()

	if hook != nil {
		hook(nonce)
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, nonce)
	if nonce >= f.nonce {
		f.nonce = nonce + 1
	}
	return hashFor(nonce), nil
}

func (f *fakeChain) ConfirmationStatus(_ context.Context, hash string) (chain.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[hash], nil
}

func (f *fakeChain) setStatus(hash string, s chain.ConfirmationStatus) {
	f.mu.Lock()
	f.statuses[hash] = s
	f.mu.Unlock()
}

func (f *fakeChain) sentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.sent...)
}

type recordingProducer struct {
	mu     sync.Mutex
	events []event.TxStatusChanged
}

func (p *recordingProducer) Publish(_ context.Context, _ string, _ string, payload []byte) error {
	var ev event.TxStatusChanged
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count(id uuid.UUID, to Status) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.ID == id.String() && ev.To == string(to) {
			n++
		}
	}
	return n
}

type harness struct {
	q     *Queue
	chain *fakeChain
	clock *testClock
	store Store
	pub   *recordingProducer
}

func testConfig() Config {
	return Config{
		MaxPending:  100,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
		TTL:         time.Hour,
		Workers:     4,
		StatusTopic: "status",
	}
}

func newHarness(t *testing.T, store Store, mod func(*Config)) *harness {
	t.Helper()
	w, err := kms.NewLocalSignerFromHex(testKey)
	require.NoError(t, err)
	if store == nil {
		store = NewMemoryStore()
	}
	cfg := testConfig()
	if mod != nil {
		mod(&cfg)
	}
	h := &harness{chain: newFakeChain(5), clock: newTestClock(), store: store, pub: &recordingProducer{}}
	h.q = New(store, h.chain, w, cfg, WithClock(h.clock.Now), WithProducer(h.pub))
	require.NoError(t, h.q.Recover(context.Background()))
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.q.Tick(context.Background()))
}

func payload(amount string) []byte {
	return []byte(fmt.Sprintf(`{"to":%q,"amount":%q,"chain_id":8453}`, recipient, amount))
}

func (h *harness) submit(t *testing.T, opts ...SubmitOption) uuid.UUID {
	t.Helper()
	id, err := h.q.Submit(context.Background(), payload("1000"), opts...)
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id uuid.UUID) Summary {
	t.Helper()
	s, ok := h.q.Get(id)
	require.True(t, ok)
	return s
}

func TestQueue_HappyPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.submit(t)

	s := h.get(t, id)
	assert.Equal(t, StatusPending, s.Status)
	assert.Nil(t, s.Nonce)
	assert.Equal(t, testAddress, s.Wallet)
	assert.Len(t, s.PayloadHash, 64)

	var during Summary
	h.chain.onBroadcast = func(uint64) { during, _ = h.q.Get(id) }

	h.tick(t)

	assert.Equal(t, StatusBroadcasting, during.Status)
	require.NotNil(t, during.Nonce)
	assert.Equal(t, uint64(5), *during.Nonce)
	assert.Empty(t, during.TxHash)

	s = h.get(t, id)
	assert.Equal(t, StatusBroadcast, s.Status)
	assert.Equal(t, hashFor(5), s.TxHash)
	require.NotNil(t, s.BroadcastAt)
	assert.Nil(t, s.ConfirmedAt)

	h.chain.setStatus(hashFor(5), chain.ConfirmationConfirmed)
	h.tick(t)

	s = h.get(t, id)
	assert.Equal(t, StatusConfirmed, s.Status)
	require.NotNil(t, s.ConfirmedAt)
	assert.Equal(t, hashFor(5), s.TxHash)

	for _, st := range []Status{StatusPending, StatusBroadcasting, StatusBroadcast, StatusConfirmed} {
		assert.Equal(t, 1, h.pub.count(id, st), st)
	}
}

func TestQueue_ConcurrentSubmitNoncesAreSequential(t *testing.T) {
	h := newHarness(t, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.q.Submit(context.Background(), payload(fmt.Sprint(i+1)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3*n && h.q.CountByStatus(StatusBroadcast) < n; i++ {
		h.tick(t)
	}

	got := h.q.ListByStatus(StatusBroadcast)
	require.Len(t, got, n)
	for i, s := range got {
		require.NotNil(t, s.Nonce)
		assert.Equal(t, uint64(5+i), *s.Nonce, "submission %d", i)
	}
	assert.Equal(t, len(got), len(h.chain.sentNonces()))
}

func TestQueue_TransientFailureReleasesNonce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.chain.errs = []error{chain.Transient(errors.New("connection reset"))}

	first := h.submit(t)
	second := h.submit(t)

	h.tick(t)
	s := h.get(t, first)
	assert.Equal(t, StatusPending, s.Status)
	assert.Nil(t, s.Nonce)
	assert.Equal(t, 1, s.RetryCount)
	assert.Contains(t, s.LastError, "connection reset")

	// the head is backing off; nothing behind it may jump ahead
	h.tick(t)
	assert.Empty(t, h.chain.sentNonces())
	assert.Equal(t, StatusPending, h.get(t, second).Status)

	h.clock.Advance(time.Second)
	h.tick(t)
	h.tick(t)

	assert.Equal(t, []uint64{5, 6}, h.chain.sentNonces())
	assert.Equal(t, uint64(5), *h.get(t, first).Nonce)
	assert.Equal(t, uint64(6), *h.get(t, second).Nonce)
	assert.Empty(t, h.get(t, first).LastError)
}

func TestQueue_RetryExhaustion(t *testing.T) {
	h := newHarness(t, nil, nil)
	for i := 0; i < 5; i++ {
		h.chain.errs = append(h.chain.errs, chain.Transient(fmt.Errorf("rpc timeout %d", i+1)))
	}
	id := h.submit(t)

	for i := 0; i < 6; i++ {
		h.tick(t)
		h.clock.Advance(5 * time.Second)
	}

	s := h.get(t, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 3, s.RetryCount)
	assert.Contains(t, s.LastError, "rpc timeout 3")
	assert.Nil(t, s.Nonce)
	assert.Empty(t, s.TxHash)
	assert.Equal(t, 1, h.pub.count(id, StatusFailed))
	assert.Empty(t, h.chain.sentNonces())
}

func TestQueue_PermanentFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.chain.errs = []error{chain.Permanent(errors.New("insufficient funds for gas * price + value"))}

	id := h.submit(t)
	next := h.submit(t)
	h.tick(t)

	s := h.get(t, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	assert.Contains(t, s.LastError, "insufficient funds")

	// the failed head never consumed its nonce
	h.tick(t)
	assert.Equal(t, uint64(5), *h.get(t, next).Nonce)
}

func TestQueue_ExpiresWhilePending(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.chain.nonceErr = errors.New("rpc down")

	id := h.submit(t, WithDeadline(h.clock.Now().Add(time.Minute)))
	h.tick(t)
	s := h.get(t, id)
	assert.Equal(t, StatusPending, s.Status)
	assert.Zero(t, s.RetryCount)

	h.clock.Advance(2 * time.Minute)
	h.tick(t)
	s = h.get(t, id)
	assert.Equal(t, StatusExpired, s.Status)
	assert.Equal(t, "deadline exceeded", s.LastError)

	h.chain.nonceErr = nil
	h.tick(t)
	h.tick(t)
	assert.Equal(t, StatusExpired, h.get(t, id).Status)
	assert.Empty(t, h.chain.sentNonces())
	assert.Equal(t, 1, h.pub.count(id, StatusExpired))
}

func TestQueue_ExpiresAfterBroadcast(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.submit(t, WithDeadline(h.clock.Now().Add(10*time.Second)))

	h.tick(t)
	require.Equal(t, StatusBroadcast, h.get(t, id).Status)

	h.clock.Advance(11 * time.Second)
	h.tick(t)
	s := h.get(t, id)
	assert.Equal(t, StatusExpired, s.Status)
	assert.Equal(t, hashFor(5), s.TxHash)

	// a late confirmation does not resurrect it
	h.chain.setStatus(hashFor(5), chain.ConfirmationConfirmed)
	h.tick(t)
	assert.Equal(t, StatusExpired, h.get(t, id).Status)
}

func TestQueue_ExpiryKeepsNonceAboveLiveBroadcast(t *testing.T) {
	h := newHarness(t, nil, nil)
	first := h.submit(t)
	h.tick(t)
	require.Equal(t, StatusBroadcast, h.get(t, first).Status)

	late := h.submit(t, WithDeadline(h.clock.Now().Add(10*time.Second)))
	h.tick(t)
	require.Equal(t, StatusBroadcast, h.get(t, late).Status)
	require.Equal(t, []uint64{5, 6}, h.chain.sentNonces())

	// the node dropped both from its mempool
	h.chain.mu.Lock()
	h.chain.nonce = 5
	h.chain.mu.Unlock()

	h.clock.Advance(11 * time.Second)
	h.tick(t)
	require.Equal(t, StatusExpired, h.get(t, late).Status)

	next := h.submit(t)
	h.tick(t)
	s := h.get(t, next)
	require.Equal(t, StatusBroadcast, s.Status)
	require.NotNil(t, s.Nonce)
	assert.Equal(t, uint64(6), *s.Nonce, "must not reuse the nonce of the live broadcast")
	assert.Equal(t, uint64(5), *h.get(t, first).Nonce)
}

func TestMemoryStore_LoadSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := newTestClock().Now()
	row := func(status Status, updated time.Duration) *QueuedTransaction {
		return &QueuedTransaction{ID: uuid.New(), Status: status, Wallet: testAddress, UpdatedAt: base.Add(updated)}
	}
	oldDone := row(StatusConfirmed, 0)
	oldLive := row(StatusBroadcast, 0)
	newDone := row(StatusFailed, time.Hour)
	for _, tx := range []*QueuedTransaction{oldDone, oldLive, newDone} {
		require.NoError(t, s.Insert(ctx, tx))
	}

	got, err := s.LoadSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, tx := range got {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []uuid.UUID{oldLive.ID, newDone.ID}, ids)
}

func TestQueue_Reverted(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.submit(t)
	h.tick(t)

	h.chain.setStatus(hashFor(5), chain.ConfirmationReverted)
	h.tick(t)

	s := h.get(t, id)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, hashFor(5), s.TxHash)
	assert.Equal(t, "reverted on chain", s.LastError)
}

func TestQueue_ListConfirmed(t *testing.T) {
	h := newHarness(t, nil, nil)
	const n = 4
	var ids []uuid.UUID
	for i := 0; i < n; i++ {
		ids = append(ids, h.submit(t))
	}
	extra := h.submit(t)

	for i := 0; i < n; i++ {
		h.tick(t)
		h.chain.setStatus(hashFor(uint64(5+i)), chain.ConfirmationConfirmed)
	}
	h.tick(t)

	got := h.q.ListByStatus(StatusConfirmed)
	require.Len(t, got, n)
	seen := map[uuid.UUID]bool{}
	for i, s := range got {
		assert.Equal(t, ids[i], s.ID)
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
	assert.NotContains(t, seen, extra)
	assert.Equal(t, got, h.q.ListByStatus(StatusConfirmed))
	assert.Equal(t, n, h.q.CountByStatus(StatusConfirmed))
}

func TestQueue_Reads(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.submit(t)
	h.clock.Advance(time.Second)
	b := h.submit(t)
	h.clock.Advance(time.Second)
	c := h.submit(t)

	recent := h.q.ListRecent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, c, recent[0].ID)
	assert.Equal(t, b, recent[1].ID)
	assert.Empty(t, h.q.ListRecent(0))
	assert.Len(t, h.q.ListRecent(50), 3)

	h.chain.onBroadcast = func(uint64) {
		pending := h.q.ListPending()
		assert.Len(t, pending, 3)
		assert.Equal(t, StatusBroadcasting, pending[0].Status)
	}
	h.tick(t)
	h.chain.onBroadcast = nil

	pending := h.q.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, b, pending[0].ID)

	counts := h.q.Counts()
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusBroadcast])
	assert.Equal(t, 0, counts[StatusConfirmed])
	assert.Len(t, counts, len(AllStatuses))

	_, ok := h.q.Get(uuid.New())
	assert.False(t, ok)
	assert.Empty(t, h.q.ListByStatus(StatusFailed))

	// summaries are copies
	s := h.get(t, a)
	s.Payload[0] = 'X'
	*s.Nonce = 99
	fresh := h.get(t, a)
	assert.Equal(t, byte('{'), fresh.Payload[0])
	assert.Equal(t, uint64(5), *fresh.Nonce)
}

func TestQueue_SubmitErrors(t *testing.T) {
	t.Run("invalid payload", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		for _, p := range [][]byte{
			nil,
			[]byte(`not json`),
			[]byte(`{"to":"0x123","amount":"1","chain_id":8453}`),
			[]byte(`{"to":"` + recipient + `","amount":"-1","chain_id":8453}`),
			[]byte(`{"to":"` + recipient + `","amount":"1","chain_id":8453,"extra":true}`),
			[]byte(`{"from":"` + recipient + `","to":"` + recipient + `","amount":"1","chain_id":8453}`),
		} {
			_, err := h.q.Submit(context.Background(), p)
			assert.ErrorIs(t, err, ErrInvalidPayload, string(p))
		}
		assert.Empty(t, h.q.ListRecent(10))
	})

	t.Run("matching from is accepted", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		p := []byte(`{"from":"` + testAddress + `","to":"` + recipient + `","amount":"1","chain_id":8453}`)
		_, err := h.q.Submit(context.Background(), p)
		assert.NoError(t, err)
	})

	t.Run("deadline in the past", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		_, err := h.q.Submit(context.Background(), payload("1"), WithDeadline(h.clock.Now().Add(-time.Second)))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("wallet unavailable", func(t *testing.T) {
		q := New(NewMemoryStore(), newFakeChain(0), nil, testConfig())
		require.NoError(t, q.Recover(context.Background()))
		_, err := q.Submit(context.Background(), payload("1"))
		assert.ErrorIs(t, err, ErrWalletUnavailable)
	})

	t.Run("queue full", func(t *testing.T) {
		h := newHarness(t, nil, func(c *Config) { c.MaxPending = 2 })
		h.submit(t)
		h.submit(t)
		_, err := h.q.Submit(context.Background(), payload("1"))
		assert.ErrorIs(t, err, ErrQueueFull)

		// broadcast ones no longer count against the bound
		h.tick(t)
		h.submit(t)
	})

	t.Run("duplicate id", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		id := uuid.New()
		got := h.submit(t, WithID(id))
		assert.Equal(t, id, got)
		_, err := h.q.Submit(context.Background(), payload("2"), WithID(id))
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.Len(t, h.q.ListRecent(10), 1)
	})

	t.Run("not recovered", func(t *testing.T) {
		w, err := kms.NewLocalSignerFromHex(testKey)
		require.NoError(t, err)
		q := New(NewMemoryStore(), newFakeChain(0), w, testConfig())
		_, err = q.Submit(context.Background(), payload("1"))
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.ErrorIs(t, q.Tick(context.Background()), ErrNotStarted)
	})
}

func TestQueue_RecoverResumesBroadcasting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	six, seven := uint64(6), uint64(7)
	broadcastAt := base.Add(time.Minute)

	sent := &QueuedTransaction{
		ID: uuid.New(), Status: StatusBroadcast, Wallet: testAddress, Nonce: &six,
		Payload: payload("1"), TxHash: hashFor(6), SubmittedAt: base, BroadcastAt: &broadcastAt,
		Deadline: base.Add(3 * time.Hour), NextAttempt: base,
	}
	mid := &QueuedTransaction{
		ID: uuid.New(), Status: StatusBroadcasting, Wallet: testAddress, Nonce: &seven,
		Payload: payload("2"), SubmittedAt: base.Add(time.Second),
		Deadline: base.Add(3 * time.Hour), NextAttempt: base,
	}
	require.NoError(t, store.Insert(ctx, sent))
	require.NoError(t, store.Insert(ctx, mid))

	h := newHarness(t, store, nil)
	h.chain.nonce = 7

	assert.Len(t, h.q.ListPending(), 1)
	h.tick(t)
	assert.Equal(t, []uint64{7}, h.chain.sentNonces())
	s := h.get(t, mid.ID)
	assert.Equal(t, StatusBroadcast, s.Status)
	assert.Equal(t, hashFor(7), s.TxHash)

	h.chain.setStatus(hashFor(6), chain.ConfirmationConfirmed)
	next := h.submit(t)
	h.tick(t)
	assert.Equal(t, StatusConfirmed, h.get(t, sent.ID).Status)
	assert.Equal(t, uint64(8), *h.get(t, next).Nonce)

	rows, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, rows[1].Status)
}

// flakyStore fails writes on demand.
type flakyStore struct {
	*MemoryStore
	failInsert atomic.Bool
	failUpdate atomic.Bool
}

var errDBDown = errors.New("db down")

func (s *flakyStore) Insert(ctx context.Context, tx *QueuedTransaction) error {
	if s.failInsert.Load() {
		return errDBDown
	}
	return s.MemoryStore.Insert(ctx, tx)
}

func (s *flakyStore) Update(ctx context.Context, tx *QueuedTransaction) error {
	if s.failUpdate.Load() {
		return errDBDown
	}
	return s.MemoryStore.Update(ctx, tx)
}

func TestQueue_StoreFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	h := newHarness(t, store, nil)

	store.failInsert.Store(true)
	_, err := h.q.Submit(ctx, payload("1"))
	require.ErrorIs(t, err, errDBDown)
	assert.Empty(t, h.q.ListRecent(10))
	store.failInsert.Store(false)

	id := h.submit(t)

	// Pending -> Broadcasting cannot be persisted: nothing is sent and the
	// nonce goes back
	store.failUpdate.Store(true)
	h.tick(t)
	s := h.get(t, id)
	assert.Equal(t, StatusPending, s.Status)
	assert.Nil(t, s.Nonce)
	assert.Empty(t, h.chain.sentNonces())
	_, held := h.q.nonces.Reserved(testAddress)
	assert.False(t, held)

	// the broadcast outcome is kept in memory when the store misses it
	store.failUpdate.Store(false)
	h.chain.onBroadcast = func(uint64) { store.failUpdate.Store(true) }
	h.tick(t)
	h.chain.onBroadcast = nil

	assert.Equal(t, StatusBroadcast, h.get(t, id).Status)
	rows, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcasting, rows[0].Status)

	store.failUpdate.Store(false)
	h.tick(t)
	rows, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, rows[0].Status)
	assert.Equal(t, hashFor(5), rows[0].TxHash)
}

func TestQueue_IllegalTransition(t *testing.T) {
	h := newHarness(t, nil, nil)
	id := h.submit(t)

	_, err := h.q.transition(context.Background(), id, StatusConfirmed, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = h.q.transition(context.Background(), uuid.New(), StatusBroadcasting, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusPending, h.get(t, id).Status)
}

func TestBackoff(t *testing.T) {
	q := New(NewMemoryStore(), newFakeChain(0), nil, Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	for attempts, want := range map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  5 * time.Second,
		40: 5 * time.Second,
	} {
		assert.Equal(t, want, q.backoff(attempts), "attempts=%d", attempts)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusBroadcasting))
	assert.True(t, CanTransition(StatusBroadcasting, StatusPending))
	assert.True(t, CanTransition(StatusBroadcast, StatusExpired))
	assert.False(t, CanTransition(StatusPending, StatusBroadcast))
	assert.False(t, CanTransition(StatusBroadcast, StatusPending))
	for _, terminal := range []Status{StatusConfirmed, StatusFailed, StatusExpired} {
		assert.True(t, terminal.Terminal())
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}

	s, err := ParseStatus("broadcast")
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcast, s)
	_, err = ParseStatus("done")
	assert.Error(t, err)
}
