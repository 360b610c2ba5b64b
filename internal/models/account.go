package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	// AccountActive accounts can send and receive funds.
	AccountActive AccountStatus = "ACTIVE"

	// AccountInactive accounts are closed or frozen; settlement refuses them.
	AccountInactive AccountStatus = "INACTIVE"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	return s == AccountActive || s == AccountInactive
}

// Account is a ledger account. Balance is only changed through the ledger
// store's version-checked delta, and never drops below zero.
type Account struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	AccountNumber string          `json:"account_number" db:"account_number"`
	Type          string          `json:"type" db:"type"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Status        AccountStatus   `json:"status" db:"status"`
	Version       int64           `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the account may take part in settlement.
func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

type AccountStatusRequest struct {
	ApproverID string        `json:"approver_id"`
	Status     AccountStatus `json:"status"`
}

type AccountResponse struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	AccountNumber string        `json:"account_number"`
	Type          string        `json:"type"`
	Balance       string        `json:"balance"`
	Status        AccountStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewAccountResponse converts an account to its API shape.
func NewAccountResponse(a *Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		OwnerID:       a.OwnerID,
		AccountNumber: a.AccountNumber,
		Type:          a.Type,
		Balance:       a.Balance.StringFixed(2),
		Status:        a.Status,
		CreatedAt:     a.CreatedAt,
	}
}
