package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/abkawan/approval-ledger/internal/models"
)

const transactionColumns = `id, requester_id, sender_account_id, sender_account_number,
	receiver_account_id, receiver_account_number, type, amount, status, reference,
	detail, created_at, updated_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx             models.Transaction
		receiverID     sql.NullString
		receiverNumber sql.NullString
		reference      sql.NullString
	)
	err := row.Scan(
		&tx.ID, &tx.RequesterID, &tx.SenderAccountID, &tx.SenderAccountNumber,
		&receiverID, &receiverNumber, &tx.Type, &tx.Amount, &tx.Status, &reference,
		&tx.Detail, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.ReceiverAccountID = receiverID.String
	tx.ReceiverAccountNumber = receiverNumber.String
	tx.Reference = reference.String
	return &tx, nil
}

// CreateTransaction inserts the transaction and its authorization in one SQL
// transaction. Either both rows exist afterwards or neither does.
func (p *Postgres) CreateTransaction(ctx context.Context, tx *models.Transaction, auth *models.Authorization) error {
	err := p.withTx(ctx, func(sqlTx *sql.Tx) error {
		_, err := sqlTx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			tx.ID, tx.RequesterID, tx.SenderAccountID, tx.SenderAccountNumber,
			nullString(tx.ReceiverAccountID), nullString(tx.ReceiverAccountNumber),
			tx.Type, tx.Amount, tx.Status, nullString(tx.Reference),
			tx.Detail, tx.CreatedAt, tx.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transaction_authorizations (id, transaction_id, approver_id, status, denial_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			auth.ID, auth.TransactionID, nullString(auth.ApproverID), auth.Status,
			auth.DenialReason, auth.CreatedAt, auth.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert authorization: %w", err)
		}
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// retrieves a transaction by ID
func (p *Postgres) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// retrieves a transaction by its client reference
func (p *Postgres) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`

	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (p *Postgres) GetAuthorization(ctx context.Context, transactionID string) (*models.Authorization, error) {
	var (
		auth       models.Authorization
		approverID sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
	SELECT id, transaction_id, approver_id, status, denial_reason, created_at, updated_at
	FROM transaction_authorizations WHERE transaction_id = $1`, transactionID).Scan(
		&auth.ID, &auth.TransactionID, &approverID, &auth.Status,
		&auth.DenialReason, &auth.CreatedAt, &auth.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	auth.ApproverID = approverID.String
	return &auth, nil
}

func (p *Postgres) queryTransactions(ctx context.Context, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// lists transactions in a status, oldest first
func (p *Postgres) ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit, offset int) ([]*models.Transaction, error) {
	return p.queryTransactions(ctx, `
	SELECT `+transactionColumns+` FROM transactions
	WHERE status = $1
	ORDER BY created_at ASC
	LIMIT $2 OFFSET $3`, status, limitOrAll(limit), offset)
}

// lists transactions touching an account, newest first
func (p *Postgres) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	return p.queryTransactions(ctx, `
	SELECT `+transactionColumns+` FROM transactions
	WHERE sender_account_id = $1 OR receiver_account_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`, accountID, limitOrAll(limit), offset)
}

// lists transactions submitted by a user, newest first
func (p *Postgres) ListTransactionsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.Transaction, error) {
	return p.queryTransactions(ctx, `
	SELECT `+transactionColumns+` FROM transactions
	WHERE requester_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`, requesterID, limitOrAll(limit), offset)
}

// UpdateTransactionStatus moves a transaction, and optionally its
// authorization, out of the expected statuses. Zero affected rows on either
// table rolls the whole change back with ErrStaleStatus.
func (p *Postgres) UpdateTransactionStatus(ctx context.Context, u models.TransactionUpdate) error {
	return p.withTx(ctx, func(sqlTx *sql.Tx) error {
		res, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $3, updated_at = $4, detail = COALESCE(NULLIF($5, ''), detail)
		WHERE id = $1 AND status = $2`,
			u.TransactionID, u.From, u.To, u.At, u.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to update transaction status: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}

		if u.AuthTo == "" {
			return nil
		}

		res, err = sqlTx.ExecContext(ctx, `
		UPDATE transaction_authorizations
		SET status = $3, updated_at = $4,
			approver_id = COALESCE(NULLIF($5, ''), approver_id),
			denial_reason = COALESCE(NULLIF($6, ''), denial_reason)
		WHERE transaction_id = $1 AND status = $2`,
			u.TransactionID, u.AuthFrom, u.AuthTo, u.At, u.ApproverID, u.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to update authorization status: %w", err)
		}
		return expectOneRow(res)
	})
}

const accountRequestColumns = `id, requester_id, account_type, initial_balance, reason, status,
	approver_id, decided_at, rejection_reason, account_id, created_at, updated_at`

func scanAccountRequest(row rowScanner) (*models.AccountRequest, error) {
	var (
		r          models.AccountRequest
		approverID sql.NullString
		decidedAt  sql.NullTime
		accountID  sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.AccountType, &r.InitialBalance, &r.Reason, &r.Status,
		&approverID, &decidedAt, &r.RejectionReason, &accountID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ApproverID = approverID.String
	r.AccountID = accountID.String
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	return &r, nil
}

func (p *Postgres) CreateAccountRequest(ctx context.Context, r *models.AccountRequest) error {
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO account_requests (`+accountRequestColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RequesterID, r.AccountType, r.InitialBalance, r.Reason, r.Status,
		nullString(r.ApproverID), r.DecidedAt, r.RejectionReason, nullString(r.AccountID),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account request: %w", err)
	}
	return nil
}

func (p *Postgres) GetAccountRequest(ctx context.Context, id string) (*models.AccountRequest, error) {
	query := `SELECT ` + accountRequestColumns + ` FROM account_requests WHERE id = $1`

	r, err := scanAccountRequest(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account request: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListAccountRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.AccountRequest, error) {
	return p.queryAccountRequests(ctx, `
	SELECT `+accountRequestColumns+` FROM account_requests
	WHERE status = $1
	ORDER BY created_at ASC
	LIMIT $2 OFFSET $3`, status, limitOrAll(limit), offset)
}

// lists a user's account requests, newest first
func (p *Postgres) ListAccountRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.AccountRequest, error) {
	return p.queryAccountRequests(ctx, `
	SELECT `+accountRequestColumns+` FROM account_requests
	WHERE requester_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`, requesterID, limitOrAll(limit), offset)
}

func (p *Postgres) queryAccountRequests(ctx context.Context, query string, args ...any) ([]*models.AccountRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list account requests: %w", err)
	}
	defer rows.Close()

	var out []*models.AccountRequest
	for rows.Next() {
		r, err := scanAccountRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateAccountRequestStatus(ctx context.Context, u models.RequestUpdate) error {
	res, err := p.db.ExecContext(ctx, `
	UPDATE account_requests
	SET status = $3, updated_at = $4,
		approver_id = COALESCE(NULLIF($5, ''), approver_id),
		decided_at = CASE WHEN $5 = '' THEN decided_at ELSE $4 END,
		rejection_reason = COALESCE(NULLIF($6, ''), rejection_reason),
		account_id = COALESCE(NULLIF($7, ''), account_id)
	WHERE id = $1 AND status = $2`,
		u.RequestID, u.From, u.To, u.At, u.ApproverID, u.Reason, u.AccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account request: %w", err)
	}
	return expectOneRow(res)
}

const profileRequestColumns = `id, requester_id, field, current_value, requested_value, reason, status,
	approver_id, decided_at, rejection_reason, created_at, updated_at`

func scanProfileRequest(row rowScanner) (*models.ProfileUpdateRequest, error) {
	var (
		r          models.ProfileUpdateRequest
		approverID sql.NullString
		decidedAt  sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.Field, &r.CurrentValue, &r.RequestedValue, &r.Reason, &r.Status,
		&approverID, &decidedAt, &r.RejectionReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ApproverID = approverID.String
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	return &r, nil
}

func (p *Postgres) CreateProfileUpdateRequest(ctx context.Context, r *models.ProfileUpdateRequest) error {
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO profile_update_requests (`+profileRequestColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RequesterID, r.Field, r.CurrentValue, r.RequestedValue, r.Reason, r.Status,
		nullString(r.ApproverID), r.DecidedAt, r.RejectionReason, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create profile update request: %w", err)
	}
	return nil
}

func (p *Postgres) GetProfileUpdateRequest(ctx context.Context, id string) (*models.ProfileUpdateRequest, error) {
	query := `SELECT ` + profileRequestColumns + ` FROM profile_update_requests WHERE id = $1`

	r, err := scanProfileRequest(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile update request: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListProfileUpdateRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.ProfileUpdateRequest, error) {
	return p.queryProfileRequests(ctx, `
	SELECT `+profileRequestColumns+` FROM profile_update_requests
	WHERE status = $1
	ORDER BY created_at ASC
	LIMIT $2 OFFSET $3`, status, limitOrAll(limit), offset)
}

func (p *Postgres) ListProfileUpdateRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.ProfileUpdateRequest, error) {
	return p.queryProfileRequests(ctx, `
	SELECT `+profileRequestColumns+` FROM profile_update_requests
	WHERE requester_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`, requesterID, limitOrAll(limit), offset)
}

func (p *Postgres) queryProfileRequests(ctx context.Context, query string, args ...any) ([]*models.ProfileUpdateRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile update requests: %w", err)
	}
	defer rows.Close()

	var out []*models.ProfileUpdateRequest
	for rows.Next() {
		r, err := scanProfileRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile update request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateProfileUpdateRequestStatus(ctx context.Context, u models.RequestUpdate) error {
	res, err := p.db.ExecContext(ctx, `
	UPDATE profile_update_requests
	SET status = $3, updated_at = $4,
		approver_id = COALESCE(NULLIF($5, ''), approver_id),
		decided_at = CASE WHEN $5 = '' THEN decided_at ELSE $4 END,
		rejection_reason = COALESCE(NULLIF($6, ''), rejection_reason)
	WHERE id = $1 AND status = $2`,
		u.RequestID, u.From, u.To, u.At, u.ApproverID, u.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile update request: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// limitOrAll maps a non-positive limit to SQL's LIMIT ALL (NULL).
func limitOrAll(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
