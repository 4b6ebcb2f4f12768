package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors, one per failure kind. Structured errors below unwrap to
// these so callers can branch with errors.Is and inspect with errors.As.
var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflict")
	ErrInvalidState        = errors.New("invalid state")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrDependency          = errors.New("dependency failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

type InvalidStateError struct {
	Entity    string
	ID        string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %q", e.Operation, e.Entity, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type InsufficientBalanceError struct {
	GiftCardID string
	Available  int64
	Requested  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on gift card %s: available %d, requested %d (minor units)",
		e.GiftCardID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// SettlementNotFoundError means the provider confirmation was not visible
// within the retry budget. Retrying the read is safe; resubmitting the payment
// is not.
type SettlementNotFoundError struct {
	Reference string
	Attempts  int
	Err       error
}

func (e *SettlementNotFoundError) Error() string {
	msg := fmt.Sprintf("settlement %s not visible after %d attempts", e.Reference, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SettlementNotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSettlementNotFound}
	}
	return []error{ErrSettlementNotFound, e.Err}
}

type LockTimeoutError struct {
	Resource string
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", e.Waited, e.Resource)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() []error {
	return []error{ErrDependency, e.Err}
}

func NewValidation(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func NewNotFound(entity string, key string) error {
	return &NotFoundError{Entity: entity, Key: key}
}

// ErrorKind returns the stable kind string reported to callers.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrSettlementNotFound):
		return "settlement_not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrDependency):
		return "dependency"
	default:
		return "internal"
	}
}
