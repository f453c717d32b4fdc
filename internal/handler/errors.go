package handler

import (
	"agent-wallet-core/internal/service/billing"
	"agent-wallet-core/internal/service/credits"
	"agent-wallet-core/internal/service/txqueue"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/errno"
	"agent-wallet-core/pkg/kms"
)

func init() {
	errno.Register(txqueue.ErrInvalidPayload, errno.ErrInvalidPayload)
	errno.Register(txqueue.ErrWalletUnavailable, errno.ErrWalletUnavailable)
	errno.Register(txqueue.ErrQueueFull, errno.ErrQueueFull)
	errno.Register(txqueue.ErrDuplicateID, errno.ErrDuplicateTx)
	errno.Register(txqueue.ErrNotFound, errno.ErrTxNotFound)

	errno.Register(erc8128.ErrSigningUnavailable, errno.ErrSigningUnavailable)
	errno.Register(kms.ErrSignerUnavailable, errno.ErrSigningUnavailable)
	errno.Register(erc8128.ErrInvalidTarget, errno.ErrInvalidTarget)
	errno.Register(erc8128.ErrInvalidSignature, errno.ErrSignatureInvalid)
	errno.Register(credits.ErrSessionEstablishFailed, errno.ErrSessionFailed)
	errno.Register(billing.ErrInsufficientCredits, errno.ErrInsufficientCredits)
}
