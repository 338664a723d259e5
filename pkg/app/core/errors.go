package core

import "errors"

// Contract errors. Callers match with errors.Is; detail is attached with %w.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrDuplicateOrderID   = errors.New("duplicate order id")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidLotSize     = errors.New("invalid lot size")
	ErrWrongFundsDenom    = errors.New("wrong funds denom")
	ErrNoFundsAttached    = errors.New("no funds attached")
	ErrExcessFundsDenom   = errors.New("excess funds denom")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrTransferFailed     = errors.New("transfer failed")

	ErrNotInstantiated     = errors.New("contract not instantiated")
	ErrAlreadyInstantiated = errors.New("contract already instantiated")
	ErrInvalidDenom        = errors.New("invalid denom")
	ErrMatchRateLimited    = errors.New("match already executed in this block")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidNonce        = errors.New("invalid nonce")
)
