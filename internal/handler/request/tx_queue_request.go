package request

import (
	"encoding/json"
	"time"
)

type ListTxQueueRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type SubmitTxRequest struct {
	ID       string          `json:"id"` // optional UUID
	Payload  json.RawMessage `json:"payload" binding:"required"`
	Deadline *time.Time      `json:"deadline"`
}
