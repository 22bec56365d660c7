package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConcurrencyExhausted = errors.New("ledger update retries exhausted")
	ErrInvalidDelta         = errors.New("invalid ledger delta")
	ErrAccountInactive      = errors.New("account is not active")
)

// ValidationError carries every rule a request violated.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// AllocationError means the invoice set could not be loaded or planned.
// Re-running against the same snapshot yields the same plan.
type AllocationError struct {
	AccountID string
	Err       error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed for account %s: %v", e.AccountID, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

type ConcurrencyError struct {
	AccountID string
	Attempts  int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("account %s: balance update conflicted %d times", e.AccountID, e.Attempts)
}

func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrencyExhausted
}
