package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountRowColumns = []string{"id", "owner_id", "account_number", "type", "balance", "status", "version", "created_at", "updated_at"}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewPostgresFromDB(conn), mock
}

func TestInitSchemaExecutesEveryStatement(t *testing.T) {
	p, mock := newMockPostgres(t)

	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, p.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaSucceeds(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
		WithArgs("acc-1", sqlmock.AnyArg(), int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acc-1", "user-1", "100000000001", "CHECKING", "900.00", "ACTIVE", int64(4), now, now))

	acc, err := p.ApplyDelta(context.Background(), "acc-1", decimal.RequireFromString("-100"), 3)
	require.NoError(t, err)
	assert.Equal(t, "900.00", acc.Balance.StringFixed(2))
	assert.Equal(t, int64(4), acc.Version)
	assert.Equal(t, models.AccountActive, acc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaClassifiesRefusals(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		version int64
		missing bool
		want    error
	}{
		{name: "stale version", balance: "1000.00", version: 5, want: ErrVersionConflict},
		{name: "would overdraw", balance: "50.00", version: 3, want: ErrInsufficientFunds},
		{name: "no such account", missing: true, want: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock := newMockPostgres(t)

			mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
				WillReturnRows(sqlmock.NewRows(accountRowColumns))

			current := sqlmock.NewRows([]string{"balance", "version"})
			if !tt.missing {
				current.AddRow(tt.balance, tt.version)
			}
			mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, version FROM accounts")).
				WithArgs("acc-1").
				WillReturnRows(current)

			_, err := p.ApplyDelta(context.Background(), "acc-1", decimal.RequireFromString("-100"), 3)
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCloseAccountRefusesFundedAccount(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
		WillReturnRows(sqlmock.NewRows(accountRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = $1")).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acc-1", "user-1", "100000000001", "CHECKING", "10.00", "ACTIVE", int64(3), now, now))

	_, err := p.CloseAccount(context.Background(), "acc-1", 3)
	assert.ErrorIs(t, err, ErrBalanceNotZero)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccountDuplicate(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.CreateAccount(context.Background(), &models.Account{ID: "acc-1", AccountNumber: "100000000001"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func newTransactionPair() (*models.Transaction, *models.Authorization) {
	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:                  "txn_1",
		RequesterID:         "user-1",
		SenderAccountID:     "acc-1",
		SenderAccountNumber: "100000000001",
		Type:                models.Debit,
		Amount:              decimal.RequireFromString("10.00"),
		Status:              models.TransactionPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	auth := &models.Authorization{
		ID:            "auth-1",
		TransactionID: tx.ID,
		Status:        models.AuthorizationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx, auth
}

func TestCreateTransactionWritesBothRows(t *testing.T) {
	p, mock := newMockPostgres(t)
	tx, auth := newTransactionPair()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_authorizations")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.CreateTransaction(context.Background(), tx, auth))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransactionRollsBackWhenAuthorizationFails(t *testing.T) {
	p, mock := newMockPostgres(t)
	tx, auth := newTransactionPair()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_authorizations")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.CreateTransaction(context.Background(), tx, auth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert authorization")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransactionDuplicateReference(t *testing.T) {
	p, mock := newMockPostgres(t)
	tx, auth := newTransactionPair()
	tx.Reference = "invoice-42"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := p.CreateTransaction(context.Background(), tx, auth)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransactionStatusIsConditional(t *testing.T) {
	update := models.TransactionUpdate{
		TransactionID: "txn_1",
		From:          models.TransactionPending,
		To:            models.TransactionApproved,
		AuthFrom:      models.AuthorizationPending,
		AuthTo:        models.AuthorizationApproved,
		ApproverID:    "user-admin",
		At:            time.Now().UTC(),
	}

	t.Run("both rows move", func(t *testing.T) {
		p, mock := newMockPostgres(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions")).
			WithArgs("txn_1", models.TransactionPending, models.TransactionApproved, sqlmock.AnyArg(), "").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transaction_authorizations")).
			WithArgs("txn_1", models.AuthorizationPending, models.AuthorizationApproved, sqlmock.AnyArg(), "user-admin", "").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, p.UpdateTransactionStatus(context.Background(), update))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already decided", func(t *testing.T) {
		p, mock := newMockPostgres(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := p.UpdateTransactionStatus(context.Background(), update)
		assert.ErrorIs(t, err, ErrStaleStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("authorization out of step", func(t *testing.T) {
		p, mock := newMockPostgres(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE transaction_authorizations")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := p.UpdateTransactionStatus(context.Background(), update)
		assert.ErrorIs(t, err, ErrStaleStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetTransactionNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE id = $1")).
		WithArgs("txn_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.GetTransaction(context.Background(), "txn_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAccountRequestStatusStale(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE account_requests")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpdateAccountRequestStatus(context.Background(), models.RequestUpdate{
		RequestID: "acr_1",
		From:      models.RequestPending,
		To:        models.RequestApproved,
		At:        time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileField(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email = $2")).
		WithArgs("user-1", "new@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.UpdateProfileField(context.Background(), "user-1", models.FieldEmail, "new@example.com"))

	err := p.UpdateProfileField(context.Background(), "user-1", "PASSWORD", "x")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLimitOrAll(t *testing.T) {
	assert.False(t, limitOrAll(0).Valid)
	assert.Equal(t, int64(25), limitOrAll(25).Int64)
}

func TestListTransactionsByRequester(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE requester_id = $1")).
		WithArgs("user-1", sqlmock.AnyArg(), 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "requester_id", "sender_account_id", "sender_account_number",
			"receiver_account_id", "receiver_account_number", "type", "amount", "status", "reference",
			"detail", "created_at", "updated_at",
		}).AddRow("txn_2", "user-1", "acc-1", "100000000001", nil, nil, "DEBIT", "10.00", "PENDING", "ref-2", "", now, now))

	got, err := p.ListTransactionsByRequester(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "txn_2", got[0].ID)
	assert.Empty(t, got[0].ReceiverAccountNumber)
	assert.Equal(t, "ref-2", got[0].Reference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDecision(t *testing.T) {
	r := &models.DecisionRecord{
		ID:         "dec-1",
		RequestID:  "txn_1",
		Kind:       models.KindTransaction,
		ApproverID: "user-admin",
		Action:     models.OutcomeReject,
		Status:     "REJECTED",
		Reason:     "duplicate",
		CreatedAt:  time.Now().UTC(),
	}

	t.Run("written", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_log")).
			WithArgs(r.ID, r.RequestID, r.Kind, r.ApproverID, r.Action, r.Status, r.Reason, r.CreatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, p.RecordDecision(context.Background(), r))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate id", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_log")).
			WillReturnError(&pq.Error{Code: "23505"})

		assert.ErrorIs(t, p.RecordDecision(context.Background(), r), ErrDuplicate)
	})
}

func TestListDecisionsByApprover(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM decision_log")).
		WithArgs("user-admin", sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "kind", "approver_id", "action", "status", "reason", "created_at"}).
			AddRow("dec-2", "acr_1", "account_request", "user-admin", "APPROVE", "APPROVED", "", now).
			AddRow("dec-1", "txn_1", "transaction", "user-admin", "REJECT", "REJECTED", "duplicate", now.Add(-time.Minute)))

	got, err := p.ListDecisionsByApprover(context.Background(), "user-admin", 5, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.KindAccountRequest, got[0].Kind)
	assert.Equal(t, models.OutcomeReject, got[1].Action)
	assert.Equal(t, "duplicate", got[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
