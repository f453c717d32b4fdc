package txqueue

import (
	"context"
	"encoding/json"
	"errors"

	"agent-wallet-core/internal/event"
	"agent-wallet-core/internal/service/mq"
	"agent-wallet-core/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Intake feeds submission requests from a topic into the queue.
type Intake struct {
	queue    *Queue
	consumer mq.Consumer
	topic    string
	log      *zap.Logger
}

func NewIntake(q *Queue, consumer mq.Consumer, topic string) *Intake {
	return &Intake{queue: q, consumer: consumer, topic: topic, log: logger.Named("txqueue.intake")}
}

// Run blocks until ctx is done.
func (i *Intake) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.topic, func(msg *mq.Message) error {
		return i.handle(ctx, msg)
	})
}

// handle acknowledges requests that can never succeed (bad JSON, bad
// payload, an id that is already queued) and returns the rest, which the
// consumer redelivers after a backoff.
func (i *Intake) handle(ctx context.Context, msg *mq.Message) error {
	var req event.TxSubmitRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		i.log.Warn("drop malformed submit request", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil
	}

	var opts []SubmitOption
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			i.log.Warn("drop submit request with bad id", zap.String("msg_id", msg.ID), zap.String("id", req.ID))
			return nil
		}
		opts = append(opts, WithID(id))
	}
	if req.Deadline != nil {
		opts = append(opts, WithDeadline(*req.Deadline))
	}

	id, err := i.queue.Submit(ctx, req.Payload, opts...)
	switch {
	case err == nil:
		i.log.Info("submit request accepted", zap.String("msg_id", msg.ID), zap.String("tx_id", id.String()))
		return nil
	case errors.Is(err, ErrDuplicateID):
		i.log.Info("submit request already queued", zap.String("msg_id", msg.ID), zap.String("id", req.ID))
		return nil
	case errors.Is(err, ErrInvalidPayload):
		i.log.Warn("drop invalid submit request", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil
	default:
		return err
	}
}
