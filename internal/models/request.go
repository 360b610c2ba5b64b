package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RequestKind tags which workflow owns a request id.
type RequestKind string

const (
	KindTransaction    RequestKind = "transaction"
	KindAccountRequest RequestKind = "account_request"
	KindProfileUpdate  RequestKind = "profile_update"
)

var kindPrefixes = map[RequestKind]string{
	KindTransaction:    "txn",
	KindAccountRequest: "acr",
	KindProfileUpdate:  "pur",
}

// NewRequestID returns a fresh id carrying the kind's prefix, e.g. "txn_<uuid>".
func NewRequestID(kind RequestKind) string {
	return kindPrefixes[kind] + "_" + uuid.New().String()
}

// KindOf extracts the request kind from an id produced by NewRequestID.
func KindOf(id string) (RequestKind, bool) {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || rest == "" {
		return "", false
	}
	for kind, p := range kindPrefixes {
		if p == prefix {
			return kind, true
		}
	}
	return "", false
}

// RequestStatus is the lifecycle of account and profile-update requests.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestApproved  RequestStatus = "APPROVED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestFailed    RequestStatus = "FAILED"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:   {RequestApproved, RequestRejected},
	RequestApproved:  {RequestCompleted, RequestFailed},
	RequestRejected:  nil,
	RequestCompleted: nil,
	RequestFailed:    nil,
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	_, ok := requestTransitions[s]
	return ok
}

// CanTransitionTo reports whether a request may move from s to next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s RequestStatus) IsTerminal() bool {
	return s.Valid() && len(requestTransitions[s]) == 0
}

// RequestUpdate is a conditional status change of a single-record request.
type RequestUpdate struct {
	RequestID  string
	From       RequestStatus
	To         RequestStatus
	ApproverID string
	Reason     string
	AccountID  string
	At         time.Time
}

// AccountRequest asks for a new account to be opened for the requester.
type AccountRequest struct {
	ID              string          `json:"id" db:"id"`
	RequesterID     string          `json:"requester_id" db:"requester_id"`
	AccountType     string          `json:"account_type" db:"account_type"`
	InitialBalance  decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	Reason          string          `json:"reason" db:"reason"`
	Status          RequestStatus   `json:"status" db:"status"`
	ApproverID      string          `json:"approver_id,omitempty" db:"approver_id"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty" db:"decided_at"`
	RejectionReason string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	AccountID       string          `json:"account_id,omitempty" db:"account_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// MarshalJSON renders the initial balance with two decimal places.
func (r AccountRequest) MarshalJSON() ([]byte, error) {
	type plain AccountRequest
	return json.Marshal(struct {
		plain
		InitialBalance string `json:"initial_balance"`
	}{plain(r), r.InitialBalance.StringFixed(2)})
}

type AccountRequestInput struct {
	RequesterID    string          `json:"requester_id"`
	AccountType    string          `json:"account_type"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Reason         string          `json:"reason"`
}

// ProfileField is a user profile attribute that can be changed by request.
type ProfileField string

const (
	FieldFirstName ProfileField = "FIRST_NAME"
	FieldLastName  ProfileField = "LAST_NAME"
	FieldEmail     ProfileField = "EMAIL"
	FieldPhone     ProfileField = "PHONE"
	FieldAddress   ProfileField = "ADDRESS"
)

// Valid reports whether f is a known profile field.
func (f ProfileField) Valid() bool {
	switch f {
	case FieldFirstName, FieldLastName, FieldEmail, FieldPhone, FieldAddress:
		return true
	}
	return false
}

// ProfileUpdateRequest asks for a single profile field to change.
type ProfileUpdateRequest struct {
	ID              string        `json:"id" db:"id"`
	RequesterID     string        `json:"requester_id" db:"requester_id"`
	Field           ProfileField  `json:"field" db:"field"`
	CurrentValue    string        `json:"current_value" db:"current_value"`
	RequestedValue  string        `json:"requested_value" db:"requested_value"`
	Reason          string        `json:"reason" db:"reason"`
	Status          RequestStatus `json:"status" db:"status"`
	ApproverID      string        `json:"approver_id,omitempty" db:"approver_id"`
	DecidedAt       *time.Time    `json:"decided_at,omitempty" db:"decided_at"`
	RejectionReason string        `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

type ProfileUpdateInput struct {
	RequesterID    string       `json:"requester_id"`
	Field          ProfileField `json:"field"`
	RequestedValue string       `json:"requested_value"`
	Reason         string       `json:"reason"`
}

// Outcome is an approver's verdict on a pending request.
type Outcome string

const (
	OutcomeApprove Outcome = "APPROVE"
	OutcomeReject  Outcome = "REJECT"
)

// Valid reports whether o is APPROVE or REJECT.
func (o Outcome) Valid() bool {
	return o == OutcomeApprove || o == OutcomeReject
}

// Decision is the input to the approval state machine.
type Decision struct {
	RequestID  string  `json:"request_id"`
	ApproverID string  `json:"approver_id"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
}

// StatusView is the kind-independent state of any request.
type StatusView struct {
	ID          string      `json:"id"`
	Kind        RequestKind `json:"kind"`
	RequesterID string      `json:"requester_id"`
	Status      string      `json:"status"`
	Summary     string      `json:"summary"`
	Detail      string      `json:"detail,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TransactionView builds the status view of a transaction.
func TransactionView(tx *Transaction) *StatusView {
	summary := fmt.Sprintf("%s %s from %s", tx.Type, tx.Amount.StringFixed(2), tx.SenderAccountNumber)
	if tx.Type == Transfer {
		summary += " to " + tx.ReceiverAccountNumber
	}
	if tx.Type == Delete {
		summary = "DELETE account " + tx.SenderAccountNumber
	}
	return &StatusView{
		ID:          tx.ID,
		Kind:        KindTransaction,
		RequesterID: tx.RequesterID,
		Status:      string(tx.Status),
		Summary:     summary,
		Detail:      tx.Detail,
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
	}
}

// AccountRequestView builds the status view of an account request.
func AccountRequestView(r *AccountRequest) *StatusView {
	detail := r.RejectionReason
	if detail == "" && r.AccountID != "" {
		detail = "account " + r.AccountID
	}
	return &StatusView{
		ID:          r.ID,
		Kind:        KindAccountRequest,
		RequesterID: r.RequesterID,
		Status:      string(r.Status),
		Summary:     fmt.Sprintf("open %s account with %s", r.AccountType, r.InitialBalance.StringFixed(2)),
		Detail:      detail,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// ProfileUpdateView builds the status view of a profile update request.
func ProfileUpdateView(r *ProfileUpdateRequest) *StatusView {
	return &StatusView{
		ID:          r.ID,
		Kind:        KindProfileUpdate,
		RequesterID: r.RequesterID,
		Status:      string(r.Status),
		Summary:     fmt.Sprintf("change %s to %q", r.Field, r.RequestedValue),
		Detail:      r.RejectionReason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// DecisionRecord is the audit entry written for every approve or reject.
type DecisionRecord struct {
	ID         string      `json:"id" db:"id"`
	RequestID  string      `json:"request_id" db:"request_id"`
	Kind       RequestKind `json:"kind" db:"kind"`
	ApproverID string      `json:"approver_id" db:"approver_id"`
	Action     Outcome     `json:"action" db:"action"`
	Status     string      `json:"status" db:"status"`
	Reason     string      `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
