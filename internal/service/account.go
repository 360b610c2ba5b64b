package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
	"go.uber.org/zap"
)

// handles account reads and status changes
type AccountService struct {
	store  Store
	logger *zap.Logger
}

// creates a new Account Service
func NewAccountService(store Store, logger *zap.Logger) *AccountService {
	return &AccountService{
		store:  store,
		logger: logger,
	}
}

// retrieves an account by ID
func (s *AccountService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, accountError(id, err)
	}
	return account, nil
}

// retrieves an account by its account number
func (s *AccountService) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	account, err := s.store.GetAccountByNumber(ctx, number)
	if err != nil {
		return nil, accountError(number, err)
	}
	return account, nil
}

// SetAccountStatus activates or deactivates an account. Only approvers may
// change it.
func (s *AccountService) SetAccountStatus(ctx context.Context, id string, req models.AccountStatusRequest) (*models.Account, error) {
	if !req.Status.Valid() {
		return nil, invalid("status", "must be ACTIVE or INACTIVE")
	}

	approver, err := s.store.LookupUser(ctx, req.ApproverID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrInsufficientContext, req.ApproverID)
		}
		return nil, fmt.Errorf("failed to look up approver: %w", err)
	}
	if !approver.IsApprover() {
		return nil, fmt.Errorf("%w: user %s may not change account status", ErrForbidden, approver.ID)
	}

	account, err := s.store.SetAccountStatus(ctx, id, req.Status)
	if err != nil {
		return nil, accountError(id, err)
	}

	s.logger.Info("account status changed",
		zap.String("account_id", id),
		zap.String("status", string(req.Status)),
		zap.String("approver_id", approver.ID),
	)
	return account, nil
}

// retrieves transactions for an account, newest first
func (s *AccountService) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	txs, err := s.store.ListTransactionsByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	return txs, nil
}

func accountError(key string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: account %s", ErrNotFound, key)
	}
	return fmt.Errorf("failed to get account: %w", err)
}
