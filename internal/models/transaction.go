package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	// Transfer moves funds from the sender account to the receiver account.
	Transfer TransactionType = "TRANSFER"

	// Credit adds funds to the sender account.
	Credit TransactionType = "CREDIT"

	// Debit removes funds from the sender account.
	Debit TransactionType = "DEBIT"

	// Delete closes the sender account; its balance must be zero.
	Delete TransactionType = "DELETE"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case Transfer, Credit, Debit, Delete:
		return true
	}
	return false
}

// MovesFunds reports whether settling t changes a balance.
func (t TransactionType) MovesFunds() bool {
	return t == Transfer || t == Credit || t == Debit
}

type TransactionStatus string

const (
	TransactionCreated   TransactionStatus = "CREATED"
	TransactionPending   TransactionStatus = "PENDING"
	TransactionApproved  TransactionStatus = "APPROVED"
	TransactionRejected  TransactionStatus = "REJECTED"
	TransactionCompleted TransactionStatus = "COMPLETED"

	// TransactionFailed marks an approved transaction whose settlement did not
	// go through. It is distinct from REJECTED, which is a human denial.
	TransactionFailed TransactionStatus = "FAILED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionCreated:   {TransactionPending},
	TransactionPending:   {TransactionApproved, TransactionRejected},
	TransactionApproved:  {TransactionCompleted, TransactionFailed},
	TransactionRejected:  nil,
	TransactionCompleted: nil,
	TransactionFailed:    nil,
}

// Valid reports whether s is a known transaction status.
func (s TransactionStatus) Valid() bool {
	_, ok := transactionTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s TransactionStatus) IsTerminal() bool {
	return s.Valid() && len(transactionTransitions[s]) == 0
}

type AuthorizationStatus string

const (
	AuthorizationPending  AuthorizationStatus = "PENDING"
	AuthorizationApproved AuthorizationStatus = "APPROVED"
	AuthorizationRejected AuthorizationStatus = "REJECTED"
	AuthorizationFailed   AuthorizationStatus = "FAILED"
)

var authorizationTransitions = map[AuthorizationStatus][]AuthorizationStatus{
	AuthorizationPending:  {AuthorizationApproved, AuthorizationRejected},
	AuthorizationApproved: {AuthorizationFailed},
	AuthorizationRejected: nil,
	AuthorizationFailed:   nil,
}

// Valid reports whether s is a known authorization status.
func (s AuthorizationStatus) Valid() bool {
	_, ok := authorizationTransitions[s]
	return ok
}

// CanTransitionTo reports whether an authorization may move from s to next.
func (s AuthorizationStatus) CanTransitionTo(next AuthorizationStatus) bool {
	for _, allowed := range authorizationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transaction represents a requested money movement awaiting or past approval.
type Transaction struct {
	ID                    string            `json:"id" db:"id"`
	RequesterID           string            `json:"requester_id" db:"requester_id"`
	SenderAccountID       string            `json:"sender_account_id" db:"sender_account_id"`
	SenderAccountNumber   string            `json:"sender_account_number" db:"sender_account_number"`
	ReceiverAccountID     string            `json:"receiver_account_id,omitempty" db:"receiver_account_id"`
	ReceiverAccountNumber string            `json:"receiver_account_number,omitempty" db:"receiver_account_number"`
	Type                  TransactionType   `json:"type" db:"type"`
	Amount                decimal.Decimal   `json:"amount" db:"amount"`
	Status                TransactionStatus `json:"status" db:"status"`
	Reference             string            `json:"reference,omitempty" db:"reference"`
	Detail                string            `json:"detail,omitempty" db:"detail"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
}

// Advance moves the transaction to next if the state machine allows it.
func (t *Transaction) Advance(next TransactionStatus, at time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transaction transition %s -> %s", t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = at
	return nil
}

// AccountIDs returns the accounts whose balances the transaction touches.
func (t *Transaction) AccountIDs() []string {
	if t.Type == Transfer {
		return []string{t.SenderAccountID, t.ReceiverAccountID}
	}
	return []string{t.SenderAccountID}
}

// Authorization is the approval ticket paired one-to-one with a Transaction.
type Authorization struct {
	ID            string              `json:"id" db:"id"`
	TransactionID string              `json:"transaction_id" db:"transaction_id"`
	ApproverID    string              `json:"approver_id,omitempty" db:"approver_id"`
	Status        AuthorizationStatus `json:"status" db:"status"`
	DenialReason  string              `json:"denial_reason,omitempty" db:"denial_reason"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
}

// TransactionUpdate is a conditional status change applied to a transaction
// and, when AuthTo is set, to its authorization in the same write. The write
// fails if either record is no longer in its From status.
type TransactionUpdate struct {
	TransactionID string
	From          TransactionStatus
	To            TransactionStatus
	AuthFrom      AuthorizationStatus
	AuthTo        AuthorizationStatus
	ApproverID    string
	Reason        string
	At            time.Time
}

// represents the request to submit a new transaction
type TransactionRequest struct {
	RequesterID           string          `json:"requester_id"`
	Type                  TransactionType `json:"type"`
	SenderAccountNumber   string          `json:"sender_account_number"`
	ReceiverAccountNumber string          `json:"receiver_account_number,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Reference             string          `json:"reference,omitempty"`
}

// represents the API response for transaction data; the amount is rendered
// with two decimal places
type TransactionResponse struct {
	ID                    string              `json:"id"`
	RequesterID           string              `json:"requester_id"`
	Type                  TransactionType     `json:"type"`
	SenderAccountNumber   string              `json:"sender_account_number"`
	ReceiverAccountNumber string              `json:"receiver_account_number,omitempty"`
	Amount                string              `json:"amount"`
	Status                TransactionStatus   `json:"status"`
	Reference             string              `json:"reference,omitempty"`
	Detail                string              `json:"detail,omitempty"`
	Authorization         *AuthorizationState `json:"authorization,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

type AuthorizationState struct {
	Status       AuthorizationStatus `json:"status"`
	ApproverID   string              `json:"approver_id,omitempty"`
	DenialReason string              `json:"denial_reason,omitempty"`
}

// NewTransactionResponse converts a transaction and its optional
// authorization to the API shape.
func NewTransactionResponse(tx *Transaction, auth *Authorization) TransactionResponse {
	resp := TransactionResponse{
		ID:                    tx.ID,
		RequesterID:           tx.RequesterID,
		Type:                  tx.Type,
		SenderAccountNumber:   tx.SenderAccountNumber,
		ReceiverAccountNumber: tx.ReceiverAccountNumber,
		Amount:                tx.Amount.StringFixed(2),
		Status:                tx.Status,
		Reference:             tx.Reference,
		Detail:                tx.Detail,
		CreatedAt:             tx.CreatedAt,
		UpdatedAt:             tx.UpdatedAt,
	}
	if auth != nil {
		resp.Authorization = &AuthorizationState{
			Status:       auth.Status,
			ApproverID:   auth.ApproverID,
			DenialReason: auth.DenialReason,
		}
	}
	return resp
}
