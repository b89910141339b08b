package model

import "errors"

// Error taxonomy shared by every engine package. Callers match with errors.Is;
// packages wrap these with context via fmt.Errorf("...: %w", err).
var (
	ErrPoolNotFound         = errors.New("pool not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInstrumentNotFound   = errors.New("instrument not found")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrSelfFollowNotAllowed = errors.New("cannot follow yourself")
	ErrNotFollowing         = errors.New("not following this account")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotOrderOwner        = errors.New("order belongs to another account")
	ErrOrderNotOpen         = errors.New("order is not open")
	ErrCommitFailed         = errors.New("commit failed")
	ErrAlreadyExists        = errors.New("already exists")
)
