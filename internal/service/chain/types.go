package chain

import (
	"errors"
	"strings"
)

// ConfirmationStatus is what the chain says about a broadcast transaction.
type ConfirmationStatus int

const (
	ConfirmationPending   ConfirmationStatus = iota // not mined, or below the confirmation depth
	ConfirmationConfirmed                           // mined with status 1 and deep enough
	ConfirmationReverted                            // mined with status 0
)

func (s ConfirmationStatus) String() string {
	switch s {
	case ConfirmationConfirmed:
		return "confirmed"
	case ConfirmationReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// BroadcastError tells the queue whether another attempt can succeed.
type BroadcastError struct {
	Err       error
	Retryable bool
}

func (e *BroadcastError) Error() string {
	if e.Retryable {
		return "broadcast (retryable): " + e.Err.Error()
	}
	return "broadcast: " + e.Err.Error()
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsRetryable treats unclassified errors as transient.
func IsRetryable(err error) bool {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return true
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &BroadcastError{Err: err, Retryable: false}
}

// Transient marks err as worth retrying.
func Transient(err error) error {
	return &BroadcastError{Err: err, Retryable: true}
}

// Node error fragments, as returned by geth-compatible RPC servers.
var (
	alreadyKnown = []string{
		"already known",
		"known transaction",
		"already imported",
	}
	permanentErrors = []string{
		"insufficient funds",
		"intrinsic gas too low",
		"invalid sender",
		"nonce too low",
		"gas limit reached",
		"exceeds block gas limit",
		"execution reverted",
		"invalid chain id",
		"transaction type not supported",
		"max fee per gas less than block base fee",
		"tip higher than max fee",
	}
)

// isAlreadyKnown reports whether the node already holds this exact
// transaction, which counts as a successful broadcast.
func isAlreadyKnown(err error) bool {
	return containsAny(err, alreadyKnown)
}

// classify wraps a send error as permanent or transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if containsAny(err, permanentErrors) {
		return Permanent(err)
	}
	return Transient(err)
}

func containsAny(err error, fragments []string) bool {
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
