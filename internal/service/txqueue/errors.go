package txqueue

import "errors"

var (
	ErrInvalidPayload    = errors.New("txqueue: invalid payload")
	ErrWalletUnavailable = errors.New("txqueue: no signing wallet bound")
	ErrQueueFull         = errors.New("txqueue: too many pending transactions")
	ErrDuplicateID       = errors.New("txqueue: transaction id already exists")
	ErrNotFound          = errors.New("txqueue: transaction not found")
	ErrIllegalTransition = errors.New("txqueue: illegal status transition")
	ErrNotStarted        = errors.New("txqueue: queue not started")
)
