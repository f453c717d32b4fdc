package txqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceManager_SerializesPerWallet(t *testing.T) {
	ctx := context.Background()
	src := newFakeChain(5)
	m := NewNonceManager(src)

	n, err := m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	held, ok := m.Reserved(testAddress)
	require.True(t, ok)
	assert.Equal(t, uint64(5), held)

	got := make(chan uint64, 1)
	go func() {
		n, err := m.Reserve(ctx, testAddress)
		assert.NoError(t, err)
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("second reservation did not wait for the first")
	case <-time.After(50 * time.Millisecond):
	}

	// the chain still reports 5; the local counter wins
	m.Commit(testAddress, 5)
	select {
	case n := <-got:
		assert.Equal(t, uint64(6), n)
	case <-time.After(time.Second):
		t.Fatal("second reservation never proceeded")
	}
	m.Release(testAddress)
}

func TestNonceManager_ReleaseReusesNonce(t *testing.T) {
	ctx := context.Background()
	m := NewNonceManager(newFakeChain(3))

	n, err := m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	m.Release(testAddress)
	_, ok := m.Reserved(testAddress)
	assert.False(t, ok)

	again, err := m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, n, again)
	m.Release(testAddress)
}

func TestNonceManager_WalletsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewNonceManager(newFakeChain(0))

	_, err := m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, recipient)
	require.NoError(t, err)
	m.Release(testAddress)
	m.Release(recipient)
}

func TestNonceManager_CancelWhileWaiting(t *testing.T) {
	m := NewNonceManager(newFakeChain(0))
	_, err := m.Reserve(context.Background(), testAddress)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Reserve(ctx, testAddress)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, m.Adopt(ctx, testAddress, 1), context.DeadlineExceeded)
}

func TestNonceManager_SourceErrorFreesWallet(t *testing.T) {
	src := newFakeChain(0)
	src.nonceErr = errors.New("rpc down")
	m := NewNonceManager(src)

	_, err := m.Reserve(context.Background(), testAddress)
	require.Error(t, err)

	src.nonceErr = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.Reserve(ctx, testAddress)
	assert.NoError(t, err)
}

func TestNonceManager_ObserveAndForget(t *testing.T) {
	ctx := context.Background()
	m := NewNonceManager(newFakeChain(2))

	m.Observe(testAddress, 9)
	m.Observe(testAddress, 4) // never lowers
	n, err := m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	m.Release(testAddress)

	m.Forget(testAddress)
	n, err = m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	m.Release(testAddress)

	m.Observe(testAddress, 9)
	m.ResetTo(testAddress, 6)
	n, err = m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n, "reset may lower the counter")
	m.Release(testAddress)

	// address case does not split the counter
	require.NoError(t, m.Adopt(ctx, "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266", 2))
	m.Commit(testAddress, 2)
	n, err = m.Reserve(ctx, testAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	m.Release(testAddress)
}
