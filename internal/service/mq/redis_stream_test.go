package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = WithRetry(RetryPolicy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond})

func newStreamClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// counter records deliveries per payload.
type counter struct {
	mu   sync.Mutex
	seen map[string]int
}

func (c *counter) add(payload string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]int)
	}
	c.seen[payload]++
	return c.seen[payload]
}

func (c *counter) get(payload string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[payload]
}

func subscribe(t *testing.T, ctx context.Context, c Consumer, topic string, handler func(*Message) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Subscribe(ctx, topic, handler) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func pendingCount(ctx context.Context, client *redis.Client, stream, group string) int64 {
	p, err := client.XPending(ctx, stream, group).Result()
	if err != nil {
		return -1
	}
	return p.Count
}

func TestRedisProducer_Publish(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()
	p := NewRedisProducer(client, 100)

	require.NoError(t, p.Publish(ctx, "txqueue.events", "0xabc", []byte(`{"id":"1"}`)))

	entries, err := client.XRange(ctx, "txqueue.events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0xabc", entries[0].Values["key"])
	assert.Equal(t, `{"id":"1"}`, entries[0].Values["payload"])
}

func TestRedisConsumer_RedeliversFailedEntry(t *testing.T) {
	client := newStreamClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewRedisProducer(client, 0)
	require.NoError(t, p.Publish(ctx, "submit", "0xa", []byte("A")))
	require.NoError(t, p.Publish(ctx, "submit", "0xb", []byte("B")))

	var seen counter
	c := NewRedisConsumer(client, "txqueue", "worker-1", fastRetry)
	done := subscribe(t, ctx, c, "submit", func(msg *Message) error {
		if seen.add(string(msg.Payload)) == 1 && string(msg.Payload) == "A" {
			return errors.New("store unavailable")
		}
		return nil
	})

	assert.Eventually(t, func() bool {
		return seen.get("A") == 2 && seen.get("B") == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return pendingCount(ctx, client, "submit", "txqueue") == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitStopped(t, done)
	assert.Equal(t, 2, seen.get("A"))
	assert.Equal(t, 1, seen.get("B"))
}

func TestRedisConsumer_ReplaysOwnPendingOnStart(t *testing.T) {
	client := newStreamClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, NewRedisProducer(client, 0).Publish(ctx, "submit", "0xa", []byte("A")))
	require.NoError(t, client.XGroupCreateMkStream(ctx, "submit", "txqueue", "0").Err())
	// an earlier run of worker-1 read the entry and crashed before acking
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "txqueue", Consumer: "worker-1", Streams: []string{"submit", ">"}, Count: 10, Block: -1,
	}).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pendingCount(ctx, client, "submit", "txqueue"))

	var seen counter
	c := NewRedisConsumer(client, "txqueue", "worker-1", fastRetry, WithClaim(0, 0))
	done := subscribe(t, ctx, c, "submit", func(msg *Message) error {
		seen.add(string(msg.Payload))
		return nil
	})

	assert.Eventually(t, func() bool {
		return seen.get("A") == 1 && pendingCount(ctx, client, "submit", "txqueue") == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitStopped(t, done)
}

func TestRedisConsumer_ClaimsIdleEntriesOfDeadConsumer(t *testing.T) {
	client := newStreamClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, NewRedisProducer(client, 0).Publish(ctx, "submit", "0xc", []byte("C")))
	require.NoError(t, client.XGroupCreateMkStream(ctx, "submit", "txqueue", "0").Err())
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "txqueue", Consumer: "gone", Streams: []string{"submit", ">"}, Count: 10, Block: -1,
	}).Result()
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	var seen counter
	c := NewRedisConsumer(client, "txqueue", "worker-2", fastRetry, WithClaim(10*time.Millisecond, 10*time.Millisecond))
	done := subscribe(t, ctx, c, "submit", func(msg *Message) error {
		seen.add(string(msg.Payload))
		return nil
	})

	assert.Eventually(t, func() bool {
		return seen.get("C") == 1 && pendingCount(ctx, client, "submit", "txqueue") == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitStopped(t, done)
}
