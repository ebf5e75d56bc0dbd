package domain

import "errors"

var (
	// ErrInsufficientFunds means the wallet's available balance cannot cover the request. Nothing was mutated.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInstanceNotOpen means the instance is not accepting bets or cancellations.
	ErrInstanceNotOpen = errors.New("instance not open")
	// ErrLateSubmission means the request arrived after the freeze point on the server clock.
	ErrLateSubmission = errors.New("submission after freeze")
	// ErrDuplicateIdempotencyKey marks a replayed request. Callers receive the prior result.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrSettlementInvariantViolation halts settlement of an instance.
	ErrSettlementInvariantViolation = errors.New("settlement invariant violation")
	// ErrConcurrencyConflict is retryable; the whole atomic operation should run again.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidSelection    = errors.New("invalid market selection")
	ErrInvalidDuration     = errors.New("invalid duration")
	ErrPremiumRequired     = errors.New("premium account required")
	ErrComplianceRequired  = errors.New("compliance check not passed")
	ErrDailyCapExceeded    = errors.New("daily withdrawal cap exceeded")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different parameters")
	ErrInvalidStateChange  = errors.New("invalid state transition")
	ErrSelfTransfer        = errors.New("cannot transfer to self")
	ErrBetNotCancellable   = errors.New("bet cannot be cancelled")
)
