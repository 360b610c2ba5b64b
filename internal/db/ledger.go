package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, owner_id, account_number, type, balance, status, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.AccountNumber, &a.Type, &a.Balance,
		&a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// creates a new account
func (p *Postgres) CreateAccount(ctx context.Context, acc *models.Account) error {
	query := `
	INSERT INTO accounts (` + accountColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := p.db.ExecContext(ctx, query,
		acc.ID, acc.OwnerID, acc.AccountNumber, acc.Type, acc.Balance,
		acc.Status, acc.Version, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// retrieves an account by ID
func (p *Postgres) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// retrieves an account by its external account number
func (p *Postgres) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ApplyDelta adds delta to the balance in one conditional statement. The row
// only changes when its version still equals expectedVersion and the result
// stays non-negative; otherwise the current row is read back to say why.
func (p *Postgres) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (*models.Account, error) {
	query := `
	UPDATE accounts
	SET balance = balance + $2, version = version + 1, updated_at = $4
	WHERE id = $1 AND version = $3 AND balance + $2 >= 0
	RETURNING ` + accountColumns

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, id, delta, expectedVersion, time.Now().UTC()))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	var (
		balance decimal.Decimal
		version int64
	)
	err = p.db.QueryRowContext(ctx, `SELECT balance, version FROM accounts WHERE id = $1`, id).Scan(&balance, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}
	if version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if balance.Add(delta).IsNegative() {
		return nil, ErrInsufficientFunds
	}
	// the row moved between the two statements
	return nil, ErrVersionConflict
}

// SetAccountStatus activates or deactivates an account.
func (p *Postgres) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) (*models.Account, error) {
	query := `
	UPDATE accounts
	SET status = $2, version = version + 1, updated_at = $3
	WHERE id = $1
	RETURNING ` + accountColumns

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, id, status, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update account status: %w", err)
	}
	return acc, nil
}

// CloseAccount deactivates an account whose balance is exactly zero.
func (p *Postgres) CloseAccount(ctx context.Context, id string, expectedVersion int64) (*models.Account, error) {
	query := `
	UPDATE accounts
	SET status = $3, version = version + 1, updated_at = $4
	WHERE id = $1 AND version = $2 AND balance = 0
	RETURNING ` + accountColumns

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, id, expectedVersion, models.AccountInactive, time.Now().UTC()))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to close account: %w", err)
	}

	current, err := p.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if !current.Balance.IsZero() {
		return nil, ErrBalanceNotZero
	}
	return nil, ErrVersionConflict
}
