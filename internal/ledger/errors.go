package ledger

import "errors"

// Sentinel errors for the fixed failure taxonomy. Operations wrap these with
// enough context to explain which invariant blocked the action.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyMember    = errors.New("already an active member")
	ErrAlreadyCompleted = errors.New("task already completed")
)
