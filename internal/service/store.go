package service

import (
	"context"

	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerStore holds account balances. ApplyDelta and CloseAccount are
// compare-and-swap writes keyed by the account version.
type LedgerStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*models.Account, error)
	ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (*models.Account, error)
	CreateAccount(ctx context.Context, acc *models.Account) error
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) (*models.Account, error)
	CloseAccount(ctx context.Context, id string, expectedVersion int64) (*models.Account, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction, auth *models.Authorization) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	GetAuthorization(ctx context.Context, transactionID string) (*models.Authorization, error)
	ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit, offset int) ([]*models.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error)
	ListTransactionsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, u models.TransactionUpdate) error
}

type AccountRequestStore interface {
	CreateAccountRequest(ctx context.Context, r *models.AccountRequest) error
	GetAccountRequest(ctx context.Context, id string) (*models.AccountRequest, error)
	ListAccountRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.AccountRequest, error)
	ListAccountRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.AccountRequest, error)
	UpdateAccountRequestStatus(ctx context.Context, u models.RequestUpdate) error
}

type ProfileRequestStore interface {
	CreateProfileUpdateRequest(ctx context.Context, r *models.ProfileUpdateRequest) error
	GetProfileUpdateRequest(ctx context.Context, id string) (*models.ProfileUpdateRequest, error)
	ListProfileUpdateRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.ProfileUpdateRequest, error)
	ListProfileUpdateRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.ProfileUpdateRequest, error)
	UpdateProfileUpdateRequestStatus(ctx context.Context, u models.RequestUpdate) error
}

// Directory is the read side of the user directory plus the single write a
// profile update needs.
type Directory interface {
	LookupUser(ctx context.Context, id string) (*models.User, error)
	UpdateProfileField(ctx context.Context, userID string, field models.ProfileField, value string) error
}

// AuditLog keeps one record per approve or reject.
type AuditLog interface {
	RecordDecision(ctx context.Context, r *models.DecisionRecord) error
	ListDecisionsByApprover(ctx context.Context, approverID string, limit, offset int) ([]*models.DecisionRecord, error)
}

// AccountLocker serializes settlement per account. Ids are locked in the
// order given and released by the returned func.
type AccountLocker interface {
	LockAccounts(ctx context.Context, ids ...string) (func(), error)
}

// Store is everything the engine persists, as implemented by db.Postgres
// and db.MemoryStore.
type Store interface {
	LedgerStore
	TransactionStore
	AccountRequestStore
	ProfileRequestStore
	Directory
	AuditLog
}

// Inbox is the notification read model served to users.
type Inbox interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*models.Notification, error)
}
