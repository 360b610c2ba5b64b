package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/google/uuid"
)

// maxReferenceLength is the width of transactions.reference.
const maxReferenceLength = 64

// transactionWorkflow drives transactions and their paired authorizations.
type transactionWorkflow struct {
	store    Store
	executor *Executor
}

func (w *transactionWorkflow) Kind() models.RequestKind { return models.KindTransaction }

// submit returns the stored transaction and false when the reference was
// already used by the same requester.
func (w *transactionWorkflow) submit(ctx context.Context, requester *models.User, req models.TransactionRequest, now time.Time) (*models.Transaction, bool, error) {
	reference := strings.TrimSpace(req.Reference)
	if utf8.RuneCountInString(reference) > maxReferenceLength {
		return nil, false, invalid("reference", "must be at most %d characters", maxReferenceLength)
	}

	if reference != "" {
		existing, err := w.byReference(ctx, requester, reference, req)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if !req.Type.Valid() {
		return nil, false, invalid("type", "unknown transaction type %q", req.Type)
	}
	if err := validateAmount(req); err != nil {
		return nil, false, err
	}

	sender, err := w.activeAccount(ctx, "sender_account_number", req.SenderAccountNumber)
	if err != nil {
		return nil, false, err
	}
	if sender.OwnerID != requester.ID && !requester.IsApprover() {
		return nil, false, fmt.Errorf("%w: account %s is not owned by %s", ErrForbidden, sender.AccountNumber, requester.ID)
	}

	tx := &models.Transaction{
		ID:                  models.NewRequestID(models.KindTransaction),
		RequesterID:         requester.ID,
		SenderAccountID:     sender.ID,
		SenderAccountNumber: sender.AccountNumber,
		Type:                req.Type,
		Amount:              req.Amount,
		Status:              models.TransactionCreated,
		Reference:           reference,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	switch req.Type {
	case models.Transfer:
		receiver, err := w.activeAccount(ctx, "receiver_account_number", req.ReceiverAccountNumber)
		if err != nil {
			return nil, false, err
		}
		if receiver.ID == sender.ID {
			return nil, false, invalid("receiver_account_number", "must differ from the sender account")
		}
		tx.ReceiverAccountID = receiver.ID
		tx.ReceiverAccountNumber = receiver.AccountNumber
	default:
		if req.ReceiverAccountNumber != "" {
			return nil, false, invalid("receiver_account_number", "only allowed for TRANSFER")
		}
	}

	if err := tx.Advance(models.TransactionPending, now); err != nil {
		return nil, false, err
	}

	auth := &models.Authorization{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		Status:        models.AuthorizationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := w.store.CreateTransaction(ctx, tx, auth); err != nil {
		if errors.Is(err, db.ErrDuplicate) && reference != "" {
			// lost a race with an identical submission
			existing, lookupErr := w.byReference(ctx, requester, reference, req)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, true, nil
}

// byReference returns the transaction already submitted under reference, or
// nil. A reference reused for another payload or by another requester is a
// validation error.
func (w *transactionWorkflow) byReference(ctx context.Context, requester *models.User, reference string, req models.TransactionRequest) (*models.Transaction, error) {
	existing, err := w.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check for existing transaction: %w", err)
	}
	if existing.RequesterID != requester.ID {
		return nil, invalid("reference", "already used by another request")
	}
	if !samePayload(existing, req) {
		return nil, invalid("reference", "already used with a different payload")
	}
	return existing, nil
}

func samePayload(tx *models.Transaction, req models.TransactionRequest) bool {
	return tx.Type == req.Type &&
		tx.SenderAccountNumber == req.SenderAccountNumber &&
		tx.ReceiverAccountNumber == req.ReceiverAccountNumber &&
		tx.Amount.Equal(req.Amount)
}

func validateAmount(req models.TransactionRequest) error {
	if req.Type == models.Delete {
		if !req.Amount.IsZero() {
			return invalid("amount", "must be 0 for DELETE")
		}
		return nil
	}
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be greater than 0")
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		return invalid("amount", "must have at most 2 decimal places")
	}
	return nil
}

func (w *transactionWorkflow) activeAccount(ctx context.Context, field, number string) (*models.Account, error) {
	if strings.TrimSpace(number) == "" {
		return nil, invalid(field, "is required")
	}
	acc, err := w.store.GetAccountByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, invalid(field, "account %s not found", number)
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if !acc.IsActive() {
		return nil, invalid(field, "account %s is inactive", number)
	}
	return acc, nil
}

func (w *transactionWorkflow) get(ctx context.Context, id string) (*models.Transaction, *models.Authorization, error) {
	tx, err := w.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	auth, err := w.store.GetAuthorization(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: authorization for %s", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	return tx, auth, nil
}

func (w *transactionWorkflow) Claim(ctx context.Context, d models.Decision, at time.Time) (*Claim, error) {
	tx, auth, err := w.get(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.TransactionPending || auth.Status != models.AuthorizationPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrNotPending, tx.ID, tx.Status)
	}
	if tx.RequesterID == d.ApproverID {
		return nil, fmt.Errorf("%w: approvers may not decide their own requests", ErrForbidden)
	}

	next, nextAuth := models.TransactionApproved, models.AuthorizationApproved
	reason := ""
	if d.Outcome == models.OutcomeReject {
		next, nextAuth = models.TransactionRejected, models.AuthorizationRejected
		reason = d.Reason
	}

	err = w.store.UpdateTransactionStatus(ctx, models.TransactionUpdate{
		TransactionID: tx.ID,
		From:          models.TransactionPending,
		To:            next,
		AuthFrom:      models.AuthorizationPending,
		AuthTo:        nextAuth,
		ApproverID:    d.ApproverID,
		Reason:        reason,
		At:            at,
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: transaction %s was decided concurrently", ErrNotPending, tx.ID)
		}
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	if err := tx.Advance(next, at); err != nil {
		return nil, err
	}
	if reason != "" {
		tx.Detail = reason
		auth.DenialReason = reason
	}
	auth.Status = nextAuth
	auth.ApproverID = d.ApproverID
	auth.UpdatedAt = at

	return &Claim{Decision: d, Transaction: tx, Authorization: auth}, nil
}

func (w *transactionWorkflow) Apply(ctx context.Context, c *Claim) error {
	return w.executor.Execute(ctx, c.Transaction)
}

func (w *transactionWorkflow) Finalize(ctx context.Context, c *Claim, cause error, at time.Time) error {
	tx, auth := c.Transaction, c.Authorization

	u := models.TransactionUpdate{
		TransactionID: tx.ID,
		From:          models.TransactionApproved,
		To:            models.TransactionCompleted,
		At:            at,
	}
	if cause != nil {
		u.To = models.TransactionFailed
		u.AuthFrom = models.AuthorizationApproved
		u.AuthTo = models.AuthorizationFailed
		u.Reason = cause.Error()
	}

	if err := w.store.UpdateTransactionStatus(ctx, u); err != nil {
		return err
	}

	if err := tx.Advance(u.To, at); err != nil {
		return err
	}
	if cause != nil {
		tx.Detail = u.Reason
		auth.Status = models.AuthorizationFailed
		auth.DenialReason = u.Reason
		auth.UpdatedAt = at
	}
	return nil
}

func (w *transactionWorkflow) View(c *Claim) *models.StatusView {
	return models.TransactionView(c.Transaction)
}

func (w *transactionWorkflow) Status(ctx context.Context, id string) (*models.StatusView, error) {
	tx, _, err := w.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.TransactionView(tx), nil
}

func (w *transactionWorkflow) Pending(ctx context.Context, limit int) ([]*models.StatusView, error) {
	txs, err := w.store.ListTransactionsByStatus(ctx, models.TransactionPending, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, models.TransactionView(tx))
	}
	return views, nil
}

func (w *transactionWorkflow) ByRequester(ctx context.Context, requesterID string, limit int) ([]*models.StatusView, error) {
	txs, err := w.store.ListTransactionsByRequester(ctx, requesterID, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, models.TransactionView(tx))
	}
	return views, nil
}

// Announce notifies the owners of every account the transaction touches.
func (w *transactionWorkflow) Announce(ctx context.Context, c *Claim) []models.Notification {
	tx := c.Transaction

	var title, verb string
	switch tx.Status {
	case models.TransactionCompleted:
		title, verb = "Transaction Approved", "approved and completed"
	case models.TransactionRejected:
		title, verb = "Transaction Rejected", "rejected"
	case models.TransactionFailed:
		title, verb = "Transaction Failed", "approved but could not be completed"
	default:
		return nil
	}
	message := decisionMessage(models.TransactionView(tx), verb, tx.Detail)

	owners := make([]string, 0, 2)
	seen := make(map[string]bool)
	for _, id := range tx.AccountIDs() {
		acc, err := w.store.GetAccount(ctx, id)
		if err != nil || seen[acc.OwnerID] {
			continue
		}
		seen[acc.OwnerID] = true
		owners = append(owners, acc.OwnerID)
	}
	if !seen[tx.RequesterID] {
		owners = append(owners, tx.RequesterID)
	}

	out := make([]models.Notification, 0, len(owners))
	for _, owner := range owners {
		out = append(out, models.Notification{
			UserID:    owner,
			Category:  models.CategoryTransactionStatus,
			Title:     title,
			Message:   message,
			RelatedID: tx.ID,
		})
	}
	return out
}
