package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/google/uuid"
)

const (
	accountNumberAttempts = 5

	// width of account_requests.account_type
	maxAccountTypeLength = 32
)

// accountRequestWorkflow opens accounts once an approver agrees.
type accountRequestWorkflow struct {
	store Store
}

func (w *accountRequestWorkflow) Kind() models.RequestKind { return models.KindAccountRequest }

func (w *accountRequestWorkflow) submit(ctx context.Context, requester *models.User, in models.AccountRequestInput, now time.Time) (*models.AccountRequest, error) {
	accountType := strings.ToUpper(strings.TrimSpace(in.AccountType))
	if accountType == "" {
		return nil, invalid("account_type", "is required")
	}
	if utf8.RuneCountInString(accountType) > maxAccountTypeLength {
		return nil, invalid("account_type", "must be at most %d characters", maxAccountTypeLength)
	}
	if in.InitialBalance.IsNegative() {
		return nil, invalid("initial_balance", "cannot be negative")
	}
	if !in.InitialBalance.Equal(in.InitialBalance.Truncate(2)) {
		return nil, invalid("initial_balance", "must have at most 2 decimal places")
	}

	r := &models.AccountRequest{
		ID:             models.NewRequestID(models.KindAccountRequest),
		RequesterID:    requester.ID,
		AccountType:    accountType,
		InitialBalance: in.InitialBalance,
		Reason:         in.Reason,
		Status:         models.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.CreateAccountRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create account request: %w", err)
	}
	return r, nil
}

func (w *accountRequestWorkflow) get(ctx context.Context, id string) (*models.AccountRequest, error) {
	r, err := w.store.GetAccountRequest(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: account request %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account request: %w", err)
	}
	return r, nil
}

func (w *accountRequestWorkflow) Claim(ctx context.Context, d models.Decision, at time.Time) (*Claim, error) {
	r, err := w.get(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestPending {
		return nil, fmt.Errorf("%w: account request %s is %s", ErrNotPending, r.ID, r.Status)
	}
	if r.RequesterID == d.ApproverID {
		return nil, fmt.Errorf("%w: approvers may not decide their own requests", ErrForbidden)
	}

	u := decisionUpdate(r.ID, d, at)
	if err := w.store.UpdateAccountRequestStatus(ctx, u); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: account request %s was decided concurrently", ErrNotPending, r.ID)
		}
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	r.Status = u.To
	r.ApproverID = d.ApproverID
	r.DecidedAt = &at
	r.RejectionReason = u.Reason
	r.UpdatedAt = at
	return &Claim{Decision: d, AccountRequest: r}, nil
}

// Apply creates the account. A clash on the generated account number is
// retried with a fresh number.
func (w *accountRequestWorkflow) Apply(ctx context.Context, c *Claim) error {
	r := c.AccountRequest
	now := time.Now().UTC()

	for attempt := 0; attempt < accountNumberAttempts; attempt++ {
		acc := &models.Account{
			ID:            uuid.New().String(),
			OwnerID:       r.RequesterID,
			AccountNumber: newAccountNumber(),
			Type:          r.AccountType,
			Balance:       r.InitialBalance,
			Status:        models.AccountActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err := w.store.CreateAccount(ctx, acc)
		if err == nil {
			r.AccountID = acc.ID
			return nil
		}
		if !errors.Is(err, db.ErrDuplicate) {
			return fmt.Errorf("failed to create account: %w", err)
		}
	}
	return fmt.Errorf("failed to create account: no free account number after %d attempts", accountNumberAttempts)
}

func (w *accountRequestWorkflow) Finalize(ctx context.Context, c *Claim, cause error, at time.Time) error {
	r := c.AccountRequest

	u := models.RequestUpdate{
		RequestID: r.ID,
		From:      models.RequestApproved,
		To:        models.RequestCompleted,
		AccountID: r.AccountID,
		At:        at,
	}
	if cause != nil {
		u.To = models.RequestFailed
		u.Reason = cause.Error()
	}

	if err := w.store.UpdateAccountRequestStatus(ctx, u); err != nil {
		return err
	}

	r.Status = u.To
	r.UpdatedAt = at
	if cause != nil {
		r.RejectionReason = u.Reason
	}
	return nil
}

func (w *accountRequestWorkflow) View(c *Claim) *models.StatusView {
	return models.AccountRequestView(c.AccountRequest)
}

func (w *accountRequestWorkflow) Status(ctx context.Context, id string) (*models.StatusView, error) {
	r, err := w.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.AccountRequestView(r), nil
}

func (w *accountRequestWorkflow) Pending(ctx context.Context, limit int) ([]*models.StatusView, error) {
	rs, err := w.store.ListAccountRequestsByStatus(ctx, models.RequestPending, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(rs))
	for _, r := range rs {
		views = append(views, models.AccountRequestView(r))
	}
	return views, nil
}

func (w *accountRequestWorkflow) ByRequester(ctx context.Context, requesterID string, limit int) ([]*models.StatusView, error) {
	rs, err := w.store.ListAccountRequestsByRequester(ctx, requesterID, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(rs))
	for _, r := range rs {
		views = append(views, models.AccountRequestView(r))
	}
	return views, nil
}

func (w *accountRequestWorkflow) Announce(ctx context.Context, c *Claim) []models.Notification {
	r := c.AccountRequest

	var title, verb string
	switch r.Status {
	case models.RequestCompleted:
		title, verb = "Account Request Approved", "approved and your account is open"
	case models.RequestRejected:
		title, verb = "Account Request Rejected", "rejected"
	case models.RequestFailed:
		title, verb = "Account Request Failed", "approved but the account could not be opened"
	default:
		return nil
	}

	return []models.Notification{{
		UserID:    r.RequesterID,
		Category:  models.CategoryAccountRequest,
		Title:     title,
		Message:   decisionMessage(models.AccountRequestView(r), verb, r.RejectionReason),
		RelatedID: r.ID,
	}}
}

// decisionUpdate is the PENDING -> APPROVED|REJECTED write shared by the
// single-record workflows.
func decisionUpdate(id string, d models.Decision, at time.Time) models.RequestUpdate {
	u := models.RequestUpdate{
		RequestID:  id,
		From:       models.RequestPending,
		To:         models.RequestApproved,
		ApproverID: d.ApproverID,
		At:         at,
	}
	if d.Outcome == models.OutcomeReject {
		u.To = models.RequestRejected
		u.Reason = d.Reason
	}
	return u
}

// newAccountNumber returns a 12-digit account number without a leading zero.
func newAccountNumber() string {
	return fmt.Sprintf("%012d", 100_000_000_000+rand.Int63n(900_000_000_000))
}
