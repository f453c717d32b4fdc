package mq

import (
	"context"
	"time"
)

// Message is one broker record, independent of the transport.
type Message struct {
	ID       string // stream id or partition/offset
	Topic    string
	Key      string // partition key; wallet address for queue events
	Payload  []byte // JSON
	Metadata map[string]string
}

type Producer interface {
	// Publish sends payload to topic. Messages sharing a key keep their order.
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}

type Consumer interface {
	// Subscribe blocks until ctx is cancelled. A handler error leaves the
	// message unacknowledged and it is delivered again after a backoff.
	Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error
	Close() error
}

// NopProducer drops every message. Used when mq_type is "none".
type NopProducer struct{}

func (NopProducer) Publish(context.Context, string, string, []byte) error { return nil }
func (NopProducer) Close() error                                         { return nil }

// RetryPolicy spaces out redeliveries of a message whose handler failed:
// Base after the first failure, doubling up to Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

var DefaultRetry = RetryPolicy{Base: 500 * time.Millisecond, Max: 30 * time.Second}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	return d
}

type consumerOptions struct {
	retry      RetryPolicy
	claimIdle  time.Duration
	claimEvery time.Duration
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{retry: DefaultRetry, claimIdle: 5 * time.Minute, claimEvery: time.Minute}
}

type ConsumerOption func(*consumerOptions)

// WithRetry replaces DefaultRetry.
func WithRetry(p RetryPolicy) ConsumerOption {
	return func(o *consumerOptions) { o.retry = p }
}

// WithClaim makes a Redis consumer take over entries another consumer of the
// group left unacknowledged for longer than idle, checking every interval.
// An idle of 0 disables claiming.
func WithClaim(idle, every time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.claimIdle = idle
		o.claimEvery = every
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
