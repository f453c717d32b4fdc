package mq

import (
	"context"
	"fmt"
	"time"

	"agent-wallet-core/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafkaReader is the part of *kafka.Reader the consumer uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	brokers   []string
	groupID   string
	opts      consumerOptions
	newReader func(topic string) kafkaReader
	reader    kafkaReader
}

func NewKafkaConsumer(brokers []string, groupID string, opts ...ConsumerOption) *KafkaConsumer {
	c := &KafkaConsumer{
		brokers: brokers,
		groupID: groupID,
		opts:    defaultConsumerOptions(),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.newReader = func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.brokers,
			GroupID:     c.groupID,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		})
	}
	return c
}

// Subscribe consumes topic with manual commits. A failed message is retried
// in place until handler succeeds, so a commit never moves the group offset
// past it; the partition waits meanwhile.
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	c.reader = c.newReader(topic)
	defer c.reader.Close()

	logger.Info("kafka consumer started", zap.String("topic", topic), zap.String("group", c.groupID))
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		msg := &Message{
			ID:      fmt.Sprintf("%d/%d", m.Partition, m.Offset),
			Topic:   topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}
		for attempt := 1; ; attempt++ {
			err := handler(msg)
			if err == nil {
				break
			}
			delay := c.opts.retry.delay(attempt)
			logger.Warn("kafka handler failed, retrying",
				zap.String("id", msg.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			if !sleep(ctx, delay) {
				// left uncommitted; the group resumes here
				return nil
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			logger.Warn("kafka commit failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
