package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	sentinel := errors.New("queue full")
	Register(sentinel, ErrQueueFull)

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"nil", nil, OK.Code, OK.Message},
		{"errno value", ErrTxNotFound, ErrTxNotFound.Code, ErrTxNotFound.Message},
		{"errno pointer", &ErrBind, ErrBind.Code, ErrBind.Message},
		{"wrapped errno", fmt.Errorf("lookup: %w", ErrTxNotFound), ErrTxNotFound.Code, ErrTxNotFound.Message},
		{"registered sentinel", fmt.Errorf("submit: %w", sentinel), ErrQueueFull.Code, "submit: queue full"},
		{"unknown", errors.New("boom"), InternalServerError.Code, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := Decode(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}
