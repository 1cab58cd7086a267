package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized caller")
	ErrLockHeld          = errors.New("lock already held")
	ErrPrecondition      = errors.New("precondition violated")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTerms      = errors.New("invalid bet terms")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrGateway           = errors.New("arbitration gateway error")
	ErrBadSignature      = errors.New("bad signature")
)
