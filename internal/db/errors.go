package db

import "errors"

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict means another writer updated the account first.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrInsufficientFunds means the delta would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBalanceNotZero means an account close was refused.
	ErrBalanceNotZero = errors.New("account balance is not zero")

	// ErrStaleStatus means a conditional status update found the record in
	// another status.
	ErrStaleStatus = errors.New("record is no longer in the expected status")

	// ErrDuplicate is returned on unique key violations.
	ErrDuplicate = errors.New("duplicate record")
)
