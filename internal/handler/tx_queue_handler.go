package handler

import (
	"context"

	"agent-wallet-core/internal/handler/request"
	"agent-wallet-core/internal/handler/response"
	"agent-wallet-core/internal/service/txqueue"
	"agent-wallet-core/pkg/errno"
	"agent-wallet-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// TxQueue is what the HTTP layer reads and submits through.
type TxQueue interface {
	Submit(ctx context.Context, payload []byte, opts ...txqueue.SubmitOption) (uuid.UUID, error)
	Get(id uuid.UUID) (txqueue.Summary, bool)
	ListByStatus(status txqueue.Status) []txqueue.Summary
	ListPending() []txqueue.Summary
	ListRecent(limit int) []txqueue.Summary
	Counts() txqueue.Counts
}

type TxQueueHandler struct {
	queue TxQueue
}

func NewTxQueueHandler(q TxQueue) *TxQueueHandler {
	return &TxQueueHandler{queue: q}
}

// List returns the newest transactions, optionally filtered by status.
func (h *TxQueueHandler) List(c *gin.Context) {
	var req request.ListTxQueueRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var items []txqueue.Summary
	if req.Status == "" {
		items = h.queue.ListRecent(limit)
	} else {
		status, err := txqueue.ParseStatus(req.Status)
		if err != nil {
			response.Error(c, errno.ErrBind)
			return
		}
		all := h.queue.ListByStatus(status)
		items = make([]txqueue.Summary, 0, limit)
		for i := len(all) - 1; i >= 0 && len(items) < limit; i-- {
			items = append(items, all[i])
		}
	}

	counts := h.queue.Counts()
	response.Success(c, gin.H{
		"items": items,
		"counts": gin.H{
			"pending":   counts[txqueue.StatusPending] + counts[txqueue.StatusBroadcasting],
			"broadcast": counts[txqueue.StatusBroadcast],
			"confirmed": counts[txqueue.StatusConfirmed],
			"failed":    counts[txqueue.StatusFailed],
			"expired":   counts[txqueue.StatusExpired],
		},
	})
}

// Pending lists transactions still waiting on a broadcast, oldest first.
func (h *TxQueueHandler) Pending(c *gin.Context) {
	response.Success(c, gin.H{"items": h.queue.ListPending()})
}

func (h *TxQueueHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	s, ok := h.queue.Get(id)
	if !ok {
		response.Error(c, errno.ErrTxNotFound)
		return
	}
	response.Success(c, s)
}

// Submit queues an unsigned transaction for broadcast.
func (h *TxQueueHandler) Submit(c *gin.Context) {
	var req request.SubmitTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	var opts []txqueue.SubmitOption
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			response.Error(c, errno.ErrBind)
			return
		}
		opts = append(opts, txqueue.WithID(id))
	}
	if req.Deadline != nil {
		opts = append(opts, txqueue.WithDeadline(*req.Deadline))
	}

	id, err := h.queue.Submit(c.Request.Context(), req.Payload, opts...)
	if err != nil {
		logger.Warn("tx submit rejected", zap.Error(err), zap.String("signer", c.GetString(SignerKey)))
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "status": txqueue.StatusPending})
}
