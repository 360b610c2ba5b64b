package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/metrics"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Executor applies the balance effect of an approved transaction.
type Executor struct {
	ledger LedgerStore
	locker AccountLocker
	retry  RetryPolicy
	logger *zap.Logger
}

// creates a new settlement Executor
func NewExecutor(ledger LedgerStore, locker AccountLocker, retry RetryPolicy, logger *zap.Logger) *Executor {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Executor{
		ledger: ledger,
		locker: locker,
		retry:  retry,
		logger: logger,
	}
}

// Execute settles tx. Failures are reported as ErrInsufficientFunds,
// ErrAccountNotFound, ErrAccountInactive, ErrBalanceNotZero or ErrConflict.
// A transfer either moves the full amount or leaves both balances as they
// were.
func (e *Executor) Execute(ctx context.Context, tx *models.Transaction) error {
	release, err := e.locker.LockAccounts(ctx, lockOrder(tx.AccountIDs())...)
	if err != nil {
		metrics.RecordSettlement(string(tx.Type), false)
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	defer release()

	switch tx.Type {
	case models.Transfer:
		err = e.transfer(ctx, tx)
	case models.Credit:
		_, err = e.applyDelta(ctx, tx.SenderAccountID, tx.Amount, true)
	case models.Debit:
		_, err = e.applyDelta(ctx, tx.SenderAccountID, tx.Amount.Neg(), true)
	case models.Delete:
		err = e.closeAccount(ctx, tx.SenderAccountID)
	default:
		err = fmt.Errorf("unsupported transaction type %q", tx.Type)
	}

	metrics.RecordSettlement(string(tx.Type), err == nil)
	if err != nil {
		e.logger.Warn("settlement failed",
			zap.String("request_id", tx.ID),
			zap.String("type", string(tx.Type)),
			zap.Error(err),
		)
		return err
	}

	e.logger.Info("settlement completed",
		zap.String("request_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.StringFixed(2)),
	)
	return nil
}

func (e *Executor) transfer(ctx context.Context, tx *models.Transaction) error {
	// a receiver that cannot be credited fails the transfer before any debit
	receiver, err := e.load(ctx, tx.ReceiverAccountID)
	if err != nil {
		return err
	}
	if !receiver.IsActive() {
		return fmt.Errorf("%w: %s", ErrAccountInactive, receiver.ID)
	}

	if _, err := e.applyDelta(ctx, tx.SenderAccountID, tx.Amount.Neg(), true); err != nil {
		return err
	}

	if _, err := e.applyDelta(ctx, tx.ReceiverAccountID, tx.Amount, true); err != nil {
		// the debit is already durable; put it back even if ctx is done
		if _, cerr := e.applyDelta(context.WithoutCancel(ctx), tx.SenderAccountID, tx.Amount, false); cerr != nil {
			e.logger.Error("failed to reverse transfer debit",
				zap.String("request_id", tx.ID),
				zap.String("account_id", tx.SenderAccountID),
				zap.String("amount", tx.Amount.StringFixed(2)),
				zap.Error(cerr),
			)
			return errors.Join(err, fmt.Errorf("failed to reverse debit on %s: %w", tx.SenderAccountID, cerr))
		}
		return err
	}
	return nil
}

// applyDelta runs a version-checked balance change, reloading the account
// and backing off whenever another writer got there first.
func (e *Executor) applyDelta(ctx context.Context, accountID string, delta decimal.Decimal, requireActive bool) (*models.Account, error) {
	return e.retryOnConflict(ctx, accountID, func(acc *models.Account) (*models.Account, error) {
		if requireActive && !acc.IsActive() {
			return nil, fmt.Errorf("%w: %s", ErrAccountInactive, acc.ID)
		}
		return e.ledger.ApplyDelta(ctx, acc.ID, delta, acc.Version)
	})
}

func (e *Executor) closeAccount(ctx context.Context, accountID string) error {
	_, err := e.retryOnConflict(ctx, accountID, func(acc *models.Account) (*models.Account, error) {
		if !acc.IsActive() {
			return nil, fmt.Errorf("%w: %s", ErrAccountInactive, acc.ID)
		}
		if !acc.Balance.IsZero() {
			return nil, fmt.Errorf("%w: %s holds %s", ErrBalanceNotZero, acc.ID, acc.Balance.StringFixed(2))
		}
		return e.ledger.CloseAccount(ctx, acc.ID, acc.Version)
	})
	return err
}

func (e *Executor) retryOnConflict(ctx context.Context, accountID string, write func(*models.Account) (*models.Account, error)) (*models.Account, error) {
	bo := e.retry.backOff(ctx)
	for attempt := 1; ; attempt++ {
		acc, err := e.load(ctx, accountID)
		if err != nil {
			return nil, err
		}

		updated, err := write(acc)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, db.ErrVersionConflict):
			metrics.RecordLedgerConflict()
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				if cerr := ctx.Err(); cerr != nil {
					return nil, fmt.Errorf("%w: %v", ErrConflict, cerr)
				}
				return nil, fmt.Errorf("%w: account %s after %d attempts", ErrConflict, accountID, attempt)
			}
			e.logger.Debug("ledger version conflict, retrying",
				zap.String("account_id", accountID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
			if err := sleepContext(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConflict, err)
			}
		case errors.Is(err, db.ErrInsufficientFunds):
			return nil, fmt.Errorf("%w: account %s", ErrInsufficientFunds, accountID)
		case errors.Is(err, db.ErrBalanceNotZero):
			return nil, fmt.Errorf("%w: account %s", ErrBalanceNotZero, accountID)
		case errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		default:
			return nil, err
		}
	}
}

func (e *Executor) load(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	return acc, nil
}

// lockOrder sorts and dedupes account ids so every settlement takes its locks
// in the same global order.
func lockOrder(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
