package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTransferApprovedMovesFundsOnce(t *testing.T) {
	f := newFixture(t)

	tx := f.transfer(t, f.sender, f.receiver, "100.00")
	assert.Equal(t, models.TransactionPending, tx.Status)

	_, auth, err := f.engine.Transaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationPending, auth.Status)

	view, err := f.approve(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionCompleted), view.Status)
	assert.Equal(t, "900.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "600.00", f.balance(t, f.receiver.ID))

	stored, auth, err := f.engine.Transaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionCompleted, stored.Status)
	assert.Equal(t, models.AuthorizationApproved, auth.Status)
	assert.Equal(t, f.admin.ID, auth.ApproverID)

	assert.Equal(t, []string{"Transaction Submitted", "Transaction Approved"}, f.notes.titlesFor(f.alice.ID))
	assert.Equal(t, []string{"Transaction Approved"}, f.notes.titlesFor(f.bob.ID))
}

func TestTransferWithoutFundsFails(t *testing.T) {
	f := newFixture(t)

	tx := f.transfer(t, f.sender, f.receiver, "2000.00")

	view, err := f.approve(tx.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	require.NotNil(t, view)
	assert.Equal(t, string(models.TransactionFailed), view.Status)

	assert.Equal(t, "1000.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "500.00", f.balance(t, f.receiver.ID))

	stored, auth, err := f.engine.Transaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionFailed, stored.Status)
	assert.Equal(t, models.AuthorizationFailed, auth.Status)
	assert.Contains(t, auth.DenialReason, "insufficient funds")

	status, err := f.engine.Status(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionFailed), status.Status)
	assert.Equal(t, "Transaction Failed", f.notes.last().Title)
}

func TestSecondDecisionIsNotPending(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, f.sender, f.receiver, "100.00")

	view, err := f.approve(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionCompleted), view.Status)

	_, err = f.approve(tx.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = f.engine.Decide(f.ctx, models.Decision{RequestID: tx.ID, ApproverID: f.clerk.ID, Outcome: models.OutcomeReject})
	assert.ErrorIs(t, err, ErrNotPending)

	assert.Equal(t, "900.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "600.00", f.balance(t, f.receiver.ID))
}

func TestConcurrentDecisionsOnOneRequest(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, f.sender, f.receiver, "100.00")

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		completed  int
		notPending int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := f.approve(tx.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && view.Status == string(models.TransactionCompleted):
				completed++
			case errors.Is(err, ErrNotPending):
				notPending++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	assert.Equal(t, 7, notPending)
	assert.Equal(t, "900.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "600.00", f.balance(t, f.receiver.ID))
}

func TestSubmitRejectsUnknownAccountWithoutWriting(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:           f.alice.ID,
		Type:                  models.Transfer,
		SenderAccountNumber:   f.sender.AccountNumber,
		ReceiverAccountNumber: "999999999999",
		Amount:                dec("10.00"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "receiver_account_number", verr.Field)

	txs, auths := f.store.Counts()
	assert.Zero(t, txs)
	assert.Zero(t, auths)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		req   models.TransactionRequest
		field string
	}{
		{
			name:  "unknown type",
			req:   models.TransactionRequest{Type: "REFUND", SenderAccountNumber: f.sender.AccountNumber, Amount: dec("1")},
			field: "type",
		},
		{
			name:  "zero amount",
			req:   models.TransactionRequest{Type: models.Debit, SenderAccountNumber: f.sender.AccountNumber, Amount: dec("0")},
			field: "amount",
		},
		{
			name:  "sub-cent amount",
			req:   models.TransactionRequest{Type: models.Credit, SenderAccountNumber: f.sender.AccountNumber, Amount: dec("1.005")},
			field: "amount",
		},
		{
			name:  "delete with amount",
			req:   models.TransactionRequest{Type: models.Delete, SenderAccountNumber: f.sender.AccountNumber, Amount: dec("5")},
			field: "amount",
		},
		{
			name:  "missing sender",
			req:   models.TransactionRequest{Type: models.Debit, Amount: dec("1")},
			field: "sender_account_number",
		},
		{
			name: "transfer to self",
			req: models.TransactionRequest{
				Type: models.Transfer, SenderAccountNumber: f.sender.AccountNumber,
				ReceiverAccountNumber: f.sender.AccountNumber, Amount: dec("1"),
			},
			field: "receiver_account_number",
		},
		{
			name: "receiver on credit",
			req: models.TransactionRequest{
				Type: models.Credit, SenderAccountNumber: f.sender.AccountNumber,
				ReceiverAccountNumber: f.receiver.AccountNumber, Amount: dec("1"),
			},
			field: "receiver_account_number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.RequesterID = f.alice.ID
			_, _, err := f.engine.SubmitTransaction(f.ctx, tt.req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	txs, _ := f.store.Counts()
	assert.Zero(t, txs)
}

func TestSubmitRequiresKnownRequester(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:         "user-ghost",
		Type:                models.Debit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("1"),
	})
	assert.ErrorIs(t, err, ErrInsufficientContext)

	_, err = f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{AccountType: "SAVINGS"})
	assert.ErrorIs(t, err, ErrInsufficientContext)
}

func TestSubmitFromForeignAccountIsForbidden(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:         f.bob.ID,
		Type:                models.Debit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("1"),
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSubmitWritesBothRecordsOrNeither(t *testing.T) {
	f := newFixture(t)
	f.store.FailNextAuthorizationInsert(errors.New("disk full"))

	_, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:           f.alice.ID,
		Type:                  models.Transfer,
		SenderAccountNumber:   f.sender.AccountNumber,
		ReceiverAccountNumber: f.receiver.AccountNumber,
		Amount:                dec("10.00"),
	})
	require.Error(t, err)

	txs, auths := f.store.Counts()
	assert.Zero(t, txs)
	assert.Zero(t, auths)
}

func TestSubmitIsIdempotentByReference(t *testing.T) {
	f := newFixture(t)

	req := models.TransactionRequest{
		RequesterID:         f.alice.ID,
		Type:                models.Debit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("25.00"),
		Reference:           "invoice-42",
	}
	first, created, err := f.engine.SubmitTransaction(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.engine.SubmitTransaction(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	txs, auths := f.store.Counts()
	assert.Equal(t, 1, txs)
	assert.Equal(t, 1, auths)

	req.RequesterID = f.bob.ID
	req.SenderAccountNumber = f.receiver.AccountNumber
	_, _, err = f.engine.SubmitTransaction(f.ctx, req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReferenceReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t)

	req := models.TransactionRequest{
		RequesterID:         f.alice.ID,
		Type:                models.Debit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("10.00"),
		Reference:           "ref-1",
	}
	_, _, err := f.engine.SubmitTransaction(f.ctx, req)
	require.NoError(t, err)

	// trailing zeros are the same amount
	req.Amount = dec("10")
	_, created, err := f.engine.SubmitTransaction(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, created)

	tests := []struct {
		name   string
		mutate func(*models.TransactionRequest)
	}{
		{name: "amount", mutate: func(r *models.TransactionRequest) { r.Amount = dec("900.00") }},
		{name: "type", mutate: func(r *models.TransactionRequest) { r.Type = models.Credit }},
		{name: "receiver", mutate: func(r *models.TransactionRequest) {
			r.Type = models.Transfer
			r.ReceiverAccountNumber = f.receiver.AccountNumber
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := req
			tt.mutate(&changed)

			_, _, err := f.engine.SubmitTransaction(f.ctx, changed)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "reference", verr.Field)
			assert.Contains(t, verr.Message, "different payload")
		})
	}

	txs, _ := f.store.Counts()
	assert.Equal(t, 1, txs)
}

func TestSubmitRejectsOverlongColumns(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:         f.alice.ID,
		Type:                models.Debit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("1.00"),
		Reference:           strings.Repeat("a", maxReferenceLength+1),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reference", verr.Field)

	_, err = f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{
		RequesterID: f.bob.ID,
		AccountType: strings.Repeat("S", maxAccountTypeLength+1),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "account_type", verr.Field)

	_, err = f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{
		RequesterID: f.bob.ID,
		AccountType: strings.Repeat("S", maxAccountTypeLength),
	})
	assert.NoError(t, err)
}

func TestRejectLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, f.sender, f.receiver, "100.00")

	view, err := f.engine.Decide(f.ctx, models.Decision{
		RequestID:  tx.ID,
		ApproverID: f.clerk.ID,
		Outcome:    models.OutcomeReject,
		Reason:     "suspicious activity",
	})
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionRejected), view.Status)
	assert.Equal(t, "suspicious activity", view.Detail)

	_, auth, err := f.engine.Transaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthorizationRejected, auth.Status)
	assert.Equal(t, "suspicious activity", auth.DenialReason)

	assert.Equal(t, "1000.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "500.00", f.balance(t, f.receiver.ID))

	last := f.notes.last()
	assert.Equal(t, "Transaction Rejected", last.Title)
	assert.Contains(t, last.Message, "suspicious activity")
}

func TestDecideChecksApprover(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(t, f.sender, f.receiver, "10.00")

	_, err := f.engine.Decide(f.ctx, models.Decision{RequestID: tx.ID, ApproverID: f.bob.ID, Outcome: models.OutcomeApprove})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.Decide(f.ctx, models.Decision{RequestID: tx.ID, ApproverID: "", Outcome: models.OutcomeApprove})
	assert.ErrorIs(t, err, ErrInsufficientContext)

	_, err = f.engine.Decide(f.ctx, models.Decision{RequestID: tx.ID, ApproverID: f.admin.ID, Outcome: "MAYBE"})
	assert.ErrorIs(t, err, ErrValidation)

	// an approver acting on a customer's account may not approve their own submission
	own, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:         f.admin.ID,
		Type:                models.Credit,
		SenderAccountNumber: f.sender.AccountNumber,
		Amount:              dec("10.00"),
	})
	require.NoError(t, err)
	_, err = f.approve(own.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	status, err := f.engine.Status(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionPending), status.Status)
}

func TestDecideUnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.approve(models.NewRequestID(models.KindTransaction))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.approve("not-a-request")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Status(f.ctx, models.NewRequestID(models.KindProfileUpdate))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, f.transfer(t, f.sender, f.receiver, "300.00").ID)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failed    int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			view, err := f.approve(id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				completed++
				return
			}
			if errors.Is(err, ErrInsufficientFunds) && view.Status == string(models.TransactionFailed) {
				failed++
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, completed)
	assert.Equal(t, 7, failed)
	assert.Equal(t, "100.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "1400.00", f.balance(t, f.receiver.ID))
}

func TestOpposingTransfersConserveTotal(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, f.transfer(t, f.sender, f.receiver, "10.00").ID)
		ids = append(ids, f.transfer(t, f.receiver, f.sender, "10.00").ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Decide(ctx, models.Decision{RequestID: id, ApproverID: f.clerk.ID, Outcome: models.OutcomeApprove})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "1000.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "500.00", f.balance(t, f.receiver.ID))
}

func TestCreditAndDebit(t *testing.T) {
	f := newFixture(t)

	credit, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID: f.alice.ID, Type: models.Credit, SenderAccountNumber: f.sender.AccountNumber, Amount: dec("50.25"),
	})
	require.NoError(t, err)
	debit, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID: f.alice.ID, Type: models.Debit, SenderAccountNumber: f.sender.AccountNumber, Amount: dec("0.25"),
	})
	require.NoError(t, err)

	_, err = f.approve(credit.ID)
	require.NoError(t, err)
	_, err = f.approve(debit.ID)
	require.NoError(t, err)

	assert.Equal(t, "1050.00", f.balance(t, f.sender.ID))
	assert.Empty(t, f.notes.titlesFor(f.bob.ID))
}

func TestDeleteClosesEmptyAccount(t *testing.T) {
	f := newFixture(t)
	empty := f.addAccount(t, "acc-empty", f.alice.ID, "100000000003", "0")

	tx, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID: f.alice.ID, Type: models.Delete, SenderAccountNumber: empty.AccountNumber,
	})
	require.NoError(t, err)

	view, err := f.approve(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionCompleted), view.Status)

	acc, err := f.store.GetAccount(f.ctx, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountInactive, acc.Status)

	funded, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID: f.alice.ID, Type: models.Delete, SenderAccountNumber: f.sender.AccountNumber,
	})
	require.NoError(t, err)

	view, err = f.approve(funded.ID)
	assert.ErrorIs(t, err, ErrBalanceNotZero)
	assert.Equal(t, string(models.TransactionFailed), view.Status)

	acc, err = f.store.GetAccount(f.ctx, f.sender.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, acc.Status)
	assert.Equal(t, "1000.00", acc.Balance.StringFixed(2))
}

func TestAccountRequestOpensAccount(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{
		RequesterID:    f.alice.ID,
		AccountType:    "savings",
		InitialBalance: dec("250.00"),
		Reason:         "rainy day fund",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, "SAVINGS", r.AccountType)

	view, err := f.engine.Decide(f.ctx, models.Decision{RequestID: r.ID, ApproverID: f.clerk.ID, Outcome: models.OutcomeApprove})
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestCompleted), view.Status)

	stored, err := f.store.GetAccountRequest(f.ctx, r.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.AccountID)
	require.NotNil(t, stored.DecidedAt)
	assert.Equal(t, f.clerk.ID, stored.ApproverID)

	acc, err := f.store.GetAccount(f.ctx, stored.AccountID)
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, acc.OwnerID)
	assert.Equal(t, "250.00", acc.Balance.StringFixed(2))
	assert.Equal(t, models.AccountActive, acc.Status)
	assert.Len(t, acc.AccountNumber, 12)

	assert.Equal(t, []string{"Account Request Submitted", "Account Request Approved"}, f.notes.titlesFor(f.alice.ID))

	_, err = f.engine.Decide(f.ctx, models.Decision{RequestID: r.ID, ApproverID: f.admin.ID, Outcome: models.OutcomeApprove})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAccountRequestRejected(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{
		RequesterID: f.bob.ID, AccountType: "CHECKING",
	})
	require.NoError(t, err)

	view, err := f.engine.Decide(f.ctx, models.Decision{
		RequestID: r.ID, ApproverID: f.admin.ID, Outcome: models.OutcomeReject, Reason: "duplicate account",
	})
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestRejected), view.Status)
	assert.Equal(t, "duplicate account", view.Detail)
	assert.Contains(t, f.notes.last().Message, "duplicate account")

	_, err = f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{
		RequesterID: f.bob.ID, AccountType: "CHECKING", InitialBalance: dec("-1"),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProfileUpdateAppliesField(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.SubmitProfileUpdate(f.ctx, models.ProfileUpdateInput{
		RequesterID:    f.alice.ID,
		Field:          models.FieldEmail,
		RequestedValue: "alice@newmail.example",
		Reason:         "changed provider",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-alice@example.com", r.CurrentValue)

	view, err := f.approve(r.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestCompleted), view.Status)

	u, err := f.store.LookupUser(f.ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@newmail.example", u.Email)
	assert.Equal(t, "Profile Update Approved", f.notes.last().Title)

	_, err = f.engine.SubmitProfileUpdate(f.ctx, models.ProfileUpdateInput{
		RequesterID: f.alice.ID, Field: models.FieldEmail, RequestedValue: "alice@newmail.example",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.SubmitProfileUpdate(f.ctx, models.ProfileUpdateInput{
		RequesterID: f.alice.ID, Field: "PASSWORD", RequestedValue: "hunter2",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPendingMergesKindsOldestFirst(t *testing.T) {
	f := newFixture(t)

	tx := f.transfer(t, f.sender, f.receiver, "5.00")
	ar, err := f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{RequesterID: f.bob.ID, AccountType: "SAVINGS"})
	require.NoError(t, err)
	pu, err := f.engine.SubmitProfileUpdate(f.ctx, models.ProfileUpdateInput{
		RequesterID: f.bob.ID, Field: models.FieldPhone, RequestedValue: "+15550100",
	})
	require.NoError(t, err)

	views, err := f.engine.Pending(f.ctx, f.admin.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, tx.ID, views[0].ID)
	assert.Equal(t, ar.ID, views[1].ID)
	assert.Equal(t, pu.ID, views[2].ID)

	views, err = f.engine.Pending(f.ctx, f.clerk.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ar.ID, views[0].ID)

	_, err = f.approve(tx.ID)
	require.NoError(t, err)
	views, err = f.engine.Pending(f.ctx, f.admin.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	_, err = f.engine.Pending(f.ctx, f.alice.ID, 10, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.Pending(f.ctx, "", 10, 0)
	assert.ErrorIs(t, err, ErrInsufficientContext)
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) Deliver(ctx context.Context, n models.Notification) error {
	return errors.New("smtp unavailable")
}

func TestNotificationFailureKeepsDecision(t *testing.T) {
	f := newFixture(t)
	f.engine.notifier = NewDispatcher(zap.NewNop(), time.Second, failingSink{})

	tx := f.transfer(t, f.sender, f.receiver, "100.00")
	view, err := f.approve(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionCompleted), view.Status)
	assert.Equal(t, "900.00", f.balance(t, f.sender.ID))
}

// unfinishedStore fails writes that move a transaction out of APPROVED.
// A negative failures count fails every such write.
type unfinishedStore struct {
	*db.MemoryStore

	mu       sync.Mutex
	failures int
	attempts int
}

func (s *unfinishedStore) UpdateTransactionStatus(ctx context.Context, u models.TransactionUpdate) error {
	if u.From == models.TransactionApproved {
		s.mu.Lock()
		s.attempts++
		fail := s.failures != 0
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			return errors.New("connection reset by peer")
		}
	}
	return s.MemoryStore.UpdateTransactionStatus(ctx, u)
}

func (f *fixture) useStore(store Store) {
	now := f.engine.now
	f.executor = NewExecutor(store, db.NewMemoryLocker(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, zap.NewNop())
	f.engine = NewEngine(store, f.executor, f.notes, zap.NewNop()).
		WithFinalizeRetry(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	f.engine.now = now
}

func TestFinalizeRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	store := &unfinishedStore{MemoryStore: f.store, failures: 2}
	f.useStore(store)

	tx := f.transfer(t, f.sender, f.receiver, "100.00")
	view, err := f.approve(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionCompleted), view.Status)
	assert.Equal(t, 3, store.attempts)

	stored, _, err := f.engine.Transaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionCompleted, stored.Status)
}

func TestOutcomeNotRecordedAfterSettlement(t *testing.T) {
	f := newFixture(t)
	store := &unfinishedStore{MemoryStore: f.store, failures: -1}
	f.useStore(store)

	tx := f.transfer(t, f.sender, f.receiver, "100.00")
	view, err := f.approve(tx.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeNotRecorded)
	assert.False(t, IsSettlementFailure(err))
	assert.Equal(t, 3, store.attempts)

	var unrecorded *OutcomeNotRecordedError
	require.ErrorAs(t, err, &unrecorded)
	assert.True(t, unrecorded.Settled)
	assert.NoError(t, unrecorded.Cause)
	assert.Equal(t, tx.ID, unrecorded.RequestID)

	require.NotNil(t, view)
	assert.Equal(t, string(models.TransactionApproved), view.Status)
	assert.Equal(t, "900.00", f.balance(t, f.sender.ID))
	assert.Equal(t, "600.00", f.balance(t, f.receiver.ID))

	status, err := f.engine.Status(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TransactionApproved), status.Status)
}

func TestOutcomeNotRecordedAfterRefusal(t *testing.T) {
	f := newFixture(t)
	f.useStore(&unfinishedStore{MemoryStore: f.store, failures: -1})

	tx := f.transfer(t, f.sender, f.receiver, "2000.00")
	view, err := f.approve(tx.ID)

	var unrecorded *OutcomeNotRecordedError
	require.ErrorAs(t, err, &unrecorded)
	assert.False(t, unrecorded.Settled)
	assert.ErrorIs(t, unrecorded.Cause, ErrInsufficientFunds)
	require.NotNil(t, view)
	assert.Equal(t, "1000.00", f.balance(t, f.sender.ID))
}

func TestHistoryListsEveryKindNewestFirst(t *testing.T) {
	f := newFixture(t)

	tx := f.transfer(t, f.sender, f.receiver, "5.00")
	ar, err := f.engine.SubmitAccountRequest(f.ctx, models.AccountRequestInput{RequesterID: f.bob.ID, AccountType: "SAVINGS"})
	require.NoError(t, err)
	pu, err := f.engine.SubmitProfileUpdate(f.ctx, models.ProfileUpdateInput{
		RequesterID: f.alice.ID, Field: models.FieldPhone, RequestedValue: "+15550100",
	})
	require.NoError(t, err)

	_, err = f.engine.Decide(f.ctx, models.Decision{RequestID: tx.ID, ApproverID: f.admin.ID, Outcome: models.OutcomeReject})
	require.NoError(t, err)

	views, err := f.engine.History(f.ctx, f.alice.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, pu.ID, views[0].ID)
	assert.Equal(t, tx.ID, views[1].ID)
	assert.Equal(t, string(models.TransactionRejected), views[1].Status)

	views, err = f.engine.History(f.ctx, f.alice.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, tx.ID, views[0].ID)

	views, err = f.engine.History(f.ctx, f.bob.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ar.ID, views[0].ID)

	views, err = f.engine.History(f.ctx, f.clerk.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = f.engine.History(f.ctx, "user-ghost", 10, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecisionsAreAudited(t *testing.T) {
	f := newFixture(t)

	approved := f.transfer(t, f.sender, f.receiver, "10.00")
	rejected := f.transfer(t, f.sender, f.receiver, "20.00")

	_, err := f.approve(approved.ID)
	require.NoError(t, err)
	_, err = f.engine.Decide(f.ctx, models.Decision{
		RequestID: rejected.ID, ApproverID: f.admin.ID, Outcome: models.OutcomeReject, Reason: "duplicate",
	})
	require.NoError(t, err)

	// a refused decision leaves no record
	_, err = f.approve(approved.ID)
	require.ErrorIs(t, err, ErrNotPending)

	records, err := f.engine.Decisions(f.ctx, f.admin.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, rejected.ID, records[0].RequestID)
	assert.Equal(t, models.OutcomeReject, records[0].Action)
	assert.Equal(t, string(models.TransactionRejected), records[0].Status)
	assert.Equal(t, "duplicate", records[0].Reason)
	assert.Equal(t, models.KindTransaction, records[0].Kind)

	assert.Equal(t, approved.ID, records[1].RequestID)
	assert.Equal(t, models.OutcomeApprove, records[1].Action)
	assert.Equal(t, string(models.TransactionCompleted), records[1].Status)
	assert.True(t, records[1].CreatedAt.Before(records[0].CreatedAt))

	records, err = f.engine.Decisions(f.ctx, f.clerk.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
