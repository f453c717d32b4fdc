package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent-wallet-core/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer trims each stream to roughly maxLen entries (0 = no cap).
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		logger.Error("redis stream publish failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("redis xadd error: %w", err)
	}
	return nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (p *RedisProducer) Close() error { return nil }

type RedisConsumer struct {
	client *redis.Client
	group  string
	name   string
	opts   consumerOptions
}

// NewRedisConsumer reads as consumer name of group. name should be stable
// across restarts so the consumer finds its own pending entries again.
func NewRedisConsumer(client *redis.Client, group, name string, opts ...ConsumerOption) *RedisConsumer {
	c := &RedisConsumer{
		client: client,
		group:  group,
		name:   name,
		opts:   defaultConsumerOptions(),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Subscribe reads topic and acks each entry after handler succeeds.
//
// Entries a handler failed on stay in this consumer's pending list. The loop
// then backs off and rereads the pending list from "0" until it drains, and
// only then goes back to new entries. The same replay runs at startup and
// after entries idle in a dead consumer's pending list are claimed.
func (c *RedisConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	logger.Info("redis stream consumer started", zap.String("topic", topic), zap.String("group", c.group))
	var lastClaim time.Time
	replay := true
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.opts.claimIdle > 0 && time.Since(lastClaim) >= c.opts.claimEvery {
			lastClaim = time.Now()
			if c.claim(ctx, topic) > 0 {
				replay = true
			}
		}

		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}
		if replay {
			args.Streams[1] = "0"
			args.Block = -1
		}
		streams, err := c.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("redis stream read failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		read, failed := 0, 0
		for _, stream := range streams {
			for _, x := range stream.Messages {
				read++
				if c.deliver(ctx, topic, x, handler) != nil {
					failed++
				}
			}
		}
		switch {
		case failed > 0:
			attempt++
			replay = true
			delay := c.opts.retry.delay(attempt)
			logger.Warn("redis stream handler failed, retrying pending entries",
				zap.Int("failed", failed),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay))
			if !sleep(ctx, delay) {
				return nil
			}
		case replay && read == 0:
			replay = false
			attempt = 0
		default:
			attempt = 0
		}
	}
}

func (c *RedisConsumer) deliver(ctx context.Context, topic string, x redis.XMessage, handler func(msg *Message) error) error {
	payload, ok := x.Values["payload"].(string)
	if !ok {
		logger.Warn("redis stream message without payload", zap.String("id", x.ID))
		c.ack(ctx, topic, x.ID)
		return nil
	}
	key, _ := x.Values["key"].(string)
	msg := &Message{ID: x.ID, Topic: topic, Key: key, Payload: []byte(payload)}
	if err := handler(msg); err != nil {
		logger.Warn("redis stream handler failed", zap.String("id", x.ID), zap.Error(err))
		return err
	}
	c.ack(ctx, topic, x.ID)
	return nil
}

// claim moves entries idle longer than claimIdle in any consumer's pending
// list into this consumer's, and returns how many moved.
func (c *RedisConsumer) claim(ctx context.Context, topic string) int {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.opts.claimIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("redis stream claim failed", zap.Error(err))
		}
		return 0
	}
	if len(msgs) > 0 {
		logger.Info("claimed idle stream entries", zap.String("topic", topic), zap.Int("count", len(msgs)))
	}
	return len(msgs)
}

func (c *RedisConsumer) ack(ctx context.Context, topic, id string) {
	if err := c.client.XAck(ctx, topic, c.group, id).Err(); err != nil {
		logger.Warn("redis stream ack failed", zap.String("id", id), zap.Error(err))
	}
}

// Close is a no-op; the client is shared.
func (c *RedisConsumer) Close() error { return nil }
