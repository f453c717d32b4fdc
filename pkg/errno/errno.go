package errno

import (
	"errors"
	"sync"
)

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

type mapping struct {
	target error
	errno  Errno
}

var (
	mu       sync.RWMutex
	mappings []mapping
)

// Register maps a sentinel error (matched with errors.Is) to an Errno so
// Decode can translate wrapped service errors.
func Register(target error, e Errno) {
	mu.Lock()
	defer mu.Unlock()
	mappings = append(mappings, mapping{target: target, errno: e})
}

// Decode tries to convert an error to Errno. Registered sentinels keep the
// wrapped error text as the message so callers see the detail.
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message
	}

	mu.RLock()
	defer mu.RUnlock()
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.errno.Code, err.Error()
		}
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrTokenInvalid     = Errno{Code: 10003, Message: "Token invalid"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
	ErrSignatureInvalid = Errno{Code: 10005, Message: "Request signature invalid"}
)

// Signing and credits errors (30000+)
var (
	ErrSigningUnavailable  = Errno{Code: 30101, Message: "Signing capability unavailable"}
	ErrInvalidTarget       = Errno{Code: 30102, Message: "Invalid request target"}
	ErrSessionFailed       = Errno{Code: 30201, Message: "Credits session establishment failed"}
	ErrInsufficientCredits = Errno{Code: 30202, Message: "Insufficient credits"}
)

// Transaction queue errors (40000+)
var (
	ErrInvalidPayload    = Errno{Code: 40101, Message: "Invalid transaction payload"}
	ErrWalletUnavailable = Errno{Code: 40102, Message: "Wallet unavailable"}
	ErrQueueFull         = Errno{Code: 40103, Message: "Transaction queue full"}
	ErrDuplicateTx       = Errno{Code: 40104, Message: "Transaction id already exists"}
	ErrSubmitDisabled    = Errno{Code: 40105, Message: "Transaction submission disabled"}
	ErrTxNotFound        = Errno{Code: 40201, Message: "Transaction not found"}
)
