package service

import "errors"

// Client errors. They are returned to the caller unchanged and never retried.
var (
	ErrInvalidAmount            = errors.New("amount must be a positive integer")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountInactive          = errors.New("account is inactive")
	ErrIdempotencyConflict      = errors.New("idempotency key reused with different parameters")
	ErrSelfTransfer             = errors.New("cannot transfer to self")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrInvalidAddress           = errors.New("destination wallet address required")
	ErrUnauthorized             = errors.New("not authenticated")
	ErrForbidden                = errors.New("not authorized")
	ErrUsernameTaken            = errors.New("username already taken")
)
