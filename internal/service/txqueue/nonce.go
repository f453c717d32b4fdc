package txqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NonceSource reads the chain's next expected nonce for an address.
type NonceSource interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
}

// NonceManager is the per-wallet serialization point. A wallet holds at most
// one reservation at a time; Reserve blocks until the previous one is
// committed or released.
type NonceManager struct {
	source NonceSource

	mu      sync.Mutex
	wallets map[string]*walletNonce
}

// walletNonce fields other than lock are guarded by NonceManager.mu.
type walletNonce struct {
	lock     chan struct{} // capacity 1: held while a nonce is reserved
	next     uint64        // lowest nonce not yet consumed locally
	known    bool
	reserved *uint64
}

func NewNonceManager(source NonceSource) *NonceManager {
	return &NonceManager{source: source, wallets: make(map[string]*walletNonce)}
}

func (m *NonceManager) wallet(addr string) *walletNonce {
	addr = strings.ToLower(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[addr]
	if !ok {
		w = &walletNonce{lock: make(chan struct{}, 1)}
		m.wallets[addr] = w
	}
	return w
}

// Reserve returns max(chain next nonce, local counter) and holds the wallet
// until Commit or Release.
func (m *NonceManager) Reserve(ctx context.Context, addr string) (uint64, error) {
	w := m.wallet(addr)
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	chainNext, err := m.source.NextNonce(ctx, addr)
	if err != nil {
		<-w.lock
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	m.mu.Lock()
	n := chainNext
	if w.known && w.next > n {
		n = w.next
	}
	w.reserved = &n
	m.mu.Unlock()
	return n, nil
}

// Adopt reserves a nonce that was already recorded for a transaction, used
// when resuming a broadcast after restart.
func (m *NonceManager) Adopt(ctx context.Context, addr string, nonce uint64) error {
	w := m.wallet(addr)
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	w.reserved = &nonce
	m.mu.Unlock()
	return nil
}

// Commit marks the reserved nonce as consumed and frees the wallet.
func (m *NonceManager) Commit(addr string, nonce uint64) {
	w := m.wallet(addr)
	m.mu.Lock()
	if !w.known || nonce+1 > w.next {
		w.next = nonce + 1
		w.known = true
	}
	w.reserved = nil
	m.mu.Unlock()
	<-w.lock
}

// Release frees the wallet without consuming the reserved nonce, so the
// next Reserve hands it out again.
func (m *NonceManager) Release(addr string) {
	w := m.wallet(addr)
	m.mu.Lock()
	w.reserved = nil
	m.mu.Unlock()
	<-w.lock
}

// Observe raises the local counter past a nonce found in durable state.
func (m *NonceManager) Observe(addr string, nonce uint64) {
	w := m.wallet(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !w.known || nonce+1 > w.next {
		w.next = nonce + 1
		w.known = true
	}
}

// Reserved returns the nonce currently held for addr, if any.
func (m *NonceManager) Reserved(addr string) (uint64, bool) {
	w := m.wallet(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.reserved == nil {
		return 0, false
	}
	return *w.reserved, true
}

// ResetTo sets the local counter to next, lowering it if needed. Reserve
// still returns the chain's value when that is higher.
func (m *NonceManager) ResetTo(addr string, next uint64) {
	w := m.wallet(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	w.next = next
	w.known = true
}

// Forget drops the local counter so the next Reserve trusts the chain alone.
func (m *NonceManager) Forget(addr string) {
	w := m.wallet(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	w.known = false
	w.next = 0
}
