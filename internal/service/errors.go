package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for bad or missing references at submit
	// time. Nothing is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientContext means the requester could not be resolved.
	ErrInsufficientContext = errors.New("requester could not be resolved")

	// ErrNotPending is returned when a decision arrives for a request that
	// has already left PENDING.
	ErrNotPending = errors.New("request is not pending")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict means concurrent ledger writers kept winning until the
	// retry budget ran out, or an account lock could not be taken.
	ErrConflict = errors.New("concurrent update conflict")

	ErrNotFound = errors.New("not found")

	// ErrAccountNotFound is a settlement failure: an account referenced by
	// an approved transaction no longer exists.
	ErrAccountNotFound = errors.New("account not found")

	ErrForbidden = errors.New("forbidden")

	ErrAccountInactive = errors.New("account is inactive")

	ErrBalanceNotZero = errors.New("account balance is not zero")

	// ErrOutcomeNotRecorded means an approved request was carried out, or
	// refused, but its terminal status could not be written. The request is
	// left APPROVED.
	ErrOutcomeNotRecorded = errors.New("outcome of approved request not recorded")
)

// ValidationError names the input field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsSettlementFailure reports whether err is one of the failures that leave
// an approved request in FAILED.
func IsSettlementFailure(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrBalanceNotZero) ||
		errors.Is(err, ErrConflict)
}

// OutcomeNotRecordedError reports whether the side effect of an approval took
// place even though its terminal status could not be written.
type OutcomeNotRecordedError struct {
	RequestID string
	Settled   bool
	Cause     error
	Err       error
}

func (e *OutcomeNotRecordedError) Error() string {
	if e.Settled {
		return fmt.Sprintf("request %s was carried out but its outcome was not recorded: %v", e.RequestID, e.Err)
	}
	return fmt.Sprintf("request %s was not carried out (%v) and its outcome was not recorded: %v", e.RequestID, e.Cause, e.Err)
}

func (e *OutcomeNotRecordedError) Unwrap() error {
	return ErrOutcomeNotRecorded
}
