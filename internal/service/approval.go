package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/metrics"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decidable is one request workflow driven by the Engine. Claim moves the
// request out of PENDING with a conditional write so only one decision can
// win. Apply performs the side effect of an approval and Finalize records
// its outcome.
type Decidable interface {
	Kind() models.RequestKind
	Claim(ctx context.Context, d models.Decision, at time.Time) (*Claim, error)
	Apply(ctx context.Context, c *Claim) error
	Finalize(ctx context.Context, c *Claim, cause error, at time.Time) error
	View(c *Claim) *models.StatusView
	Status(ctx context.Context, id string) (*models.StatusView, error)
	Pending(ctx context.Context, limit int) ([]*models.StatusView, error)
	ByRequester(ctx context.Context, requesterID string, limit int) ([]*models.StatusView, error)
	Announce(ctx context.Context, c *Claim) []models.Notification
}

// Claim is a request that has been moved out of PENDING by a decision.
// Exactly one of the record fields is set.
type Claim struct {
	Decision       models.Decision
	Transaction    *models.Transaction
	Authorization  *models.Authorization
	AccountRequest *models.AccountRequest
	ProfileUpdate  *models.ProfileUpdateRequest
}

// Engine is the approval state machine shared by every request kind.
type Engine struct {
	store     Store
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
	workflows map[models.RequestKind]Decidable
	finalize  RetryPolicy

	transactions    *transactionWorkflow
	accountRequests *accountRequestWorkflow
	profileUpdates  *profileUpdateWorkflow
}

// creates a new approval Engine
func NewEngine(store Store, executor *Executor, notifier Notifier, logger *zap.Logger) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		finalize: RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond},
	}

	e.transactions = &transactionWorkflow{store: store, executor: executor}
	e.accountRequests = &accountRequestWorkflow{store: store}
	e.profileUpdates = &profileUpdateWorkflow{store: store}

	e.workflows = map[models.RequestKind]Decidable{
		models.KindTransaction:    e.transactions,
		models.KindAccountRequest: e.accountRequests,
		models.KindProfileUpdate:  e.profileUpdates,
	}
	return e
}

// WithFinalizeRetry sets how often a failed terminal status write is retried
// after an approval was carried out.
func (e *Engine) WithFinalizeRetry(p RetryPolicy) *Engine {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	e.finalize = p
	return e
}

func (e *Engine) workflowFor(id string) (Decidable, error) {
	kind, ok := models.KindOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return e.workflows[kind], nil
}

// requester resolves the user submitting a request.
func (e *Engine) requester(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: requester_id is required", ErrInsufficientContext)
	}
	user, err := e.store.LookupUser(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrInsufficientContext, id)
		}
		return nil, fmt.Errorf("failed to look up requester: %w", err)
	}
	return user, nil
}

func (e *Engine) approver(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: approver_id is required", ErrInsufficientContext)
	}
	user, err := e.store.LookupUser(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrInsufficientContext, id)
		}
		return nil, fmt.Errorf("failed to look up approver: %w", err)
	}
	if !user.IsApprover() {
		return nil, fmt.Errorf("%w: user %s may not decide requests", ErrForbidden, id)
	}
	return user, nil
}

// SubmitTransaction validates and persists a transaction with its PENDING
// authorization. Resubmitting a known reference with the same payload
// returns the stored transaction and false.
func (e *Engine) SubmitTransaction(ctx context.Context, req models.TransactionRequest) (*models.Transaction, bool, error) {
	requester, err := e.requester(ctx, req.RequesterID)
	if err != nil {
		return nil, false, err
	}

	tx, created, err := e.transactions.submit(ctx, requester, req, e.now())
	if err != nil {
		return nil, false, err
	}
	if !created {
		e.logger.Info("transaction replayed", zap.String("request_id", tx.ID), zap.String("reference", tx.Reference))
		return tx, false, nil
	}

	e.logger.Info("transaction submitted",
		zap.String("request_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.StringFixed(2)),
	)
	e.notifier.Notify(ctx, submittedNotification(requester.ID, models.CategoryTransactionStatus,
		"Transaction Submitted", models.TransactionView(tx)))
	return tx, true, nil
}

func (e *Engine) SubmitAccountRequest(ctx context.Context, in models.AccountRequestInput) (*models.AccountRequest, error) {
	requester, err := e.requester(ctx, in.RequesterID)
	if err != nil {
		return nil, err
	}

	r, err := e.accountRequests.submit(ctx, requester, in, e.now())
	if err != nil {
		return nil, err
	}

	e.logger.Info("account request submitted", zap.String("request_id", r.ID))
	e.notifier.Notify(ctx, submittedNotification(requester.ID, models.CategoryAccountRequest,
		"Account Request Submitted", models.AccountRequestView(r)))
	return r, nil
}

func (e *Engine) SubmitProfileUpdate(ctx context.Context, in models.ProfileUpdateInput) (*models.ProfileUpdateRequest, error) {
	requester, err := e.requester(ctx, in.RequesterID)
	if err != nil {
		return nil, err
	}

	r, err := e.profileUpdates.submit(ctx, requester, in, e.now())
	if err != nil {
		return nil, err
	}

	e.logger.Info("profile update submitted", zap.String("request_id", r.ID), zap.String("field", string(r.Field)))
	e.notifier.Notify(ctx, submittedNotification(requester.ID, models.CategoryProfileUpdate,
		"Profile Update Submitted", models.ProfileUpdateView(r)))
	return r, nil
}

// Decide applies an approver's verdict to a pending request and returns the
// resulting terminal state. When an approval cannot be carried out the
// request ends FAILED and the returned error says why; the view is still
// returned.
func (e *Engine) Decide(ctx context.Context, d models.Decision) (*models.StatusView, error) {
	if !d.Outcome.Valid() {
		return nil, invalid("outcome", "must be APPROVE or REJECT")
	}

	wf, err := e.workflowFor(d.RequestID)
	if err != nil {
		return nil, err
	}
	if _, err := e.approver(ctx, d.ApproverID); err != nil {
		return nil, err
	}

	claim, err := wf.Claim(ctx, d, e.now())
	if err != nil {
		return nil, err
	}

	var cause error
	if d.Outcome == models.OutcomeApprove {
		cause = wf.Apply(ctx, claim)

		// the claim is durable, so its outcome must be recorded even if the caller went away
		if err := e.finalizeClaim(context.WithoutCancel(ctx), wf, claim, cause); err != nil {
			view := wf.View(claim)
			metrics.RecordDecision(string(wf.Kind()), string(d.Outcome), view.Status)
			e.audit(ctx, d, view)

			e.logger.Error("failed to record outcome of approved request",
				zap.String("request_id", d.RequestID),
				zap.Bool("settled", cause == nil),
				zap.NamedError("cause", cause),
				zap.Error(err),
			)
			return view, &OutcomeNotRecordedError{
				RequestID: d.RequestID,
				Settled:   cause == nil,
				Cause:     cause,
				Err:       err,
			}
		}
	}

	view := wf.View(claim)
	metrics.RecordDecision(string(wf.Kind()), string(d.Outcome), view.Status)
	e.audit(ctx, d, view)

	fields := []zap.Field{
		zap.String("request_id", view.ID),
		zap.String("kind", string(view.Kind)),
		zap.String("approver_id", d.ApproverID),
		zap.String("status", view.Status),
	}
	switch {
	case cause == nil:
		e.logger.Info("request decided", fields...)
	case IsSettlementFailure(cause):
		e.logger.Warn("approved request failed", append(fields, zap.Error(cause))...)
	default:
		e.logger.Error("approved request failed", append(fields, zap.Error(cause))...)
	}

	for _, n := range wf.Announce(ctx, claim) {
		e.notifier.Notify(ctx, n)
	}

	return view, cause
}

// finalizeClaim writes the terminal status of an approved request, retrying
// transient store errors. A record that already left APPROVED is not retried.
func (e *Engine) finalizeClaim(ctx context.Context, wf Decidable, c *Claim, cause error) error {
	attempt := 0
	return e.finalize.do(ctx, func() error {
		attempt++
		err := wf.Finalize(ctx, c, cause, e.now())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, db.ErrStaleStatus):
			return backoff.Permanent(err)
		}
		e.logger.Warn("failed to finalize approved request",
			zap.String("request_id", c.Decision.RequestID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	})
}

// audit appends the decision to the approver activity log. The decision is
// already committed, so a failed write is only logged.
func (e *Engine) audit(ctx context.Context, d models.Decision, view *models.StatusView) {
	r := &models.DecisionRecord{
		ID:         uuid.New().String(),
		RequestID:  d.RequestID,
		Kind:       view.Kind,
		ApproverID: d.ApproverID,
		Action:     d.Outcome,
		Status:     view.Status,
		Reason:     d.Reason,
		CreatedAt:  e.now(),
	}
	if err := e.store.RecordDecision(context.WithoutCancel(ctx), r); err != nil {
		e.logger.Error("failed to record decision",
			zap.String("request_id", d.RequestID),
			zap.String("approver_id", d.ApproverID),
			zap.Error(err),
		)
	}
}

// Status returns the current state of any request by id.
func (e *Engine) Status(ctx context.Context, id string) (*models.StatusView, error) {
	wf, err := e.workflowFor(id)
	if err != nil {
		return nil, err
	}
	return wf.Status(ctx, id)
}

// Pending lists pending requests of every kind, oldest first. Only users
// with an approver role may list them.
func (e *Engine) Pending(ctx context.Context, approverID string, limit, offset int) ([]*models.StatusView, error) {
	if _, err := e.approver(ctx, approverID); err != nil {
		return nil, err
	}

	views, err := e.collect(limit, offset, func(wf Decidable, window int) ([]*models.StatusView, error) {
		return wf.Pending(ctx, window)
	}, func(a, b *models.StatusView) bool { return a.CreatedAt.Before(b.CreatedAt) })
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	return views, nil
}

// History lists every request a user submitted, of any kind and status,
// newest first.
func (e *Engine) History(ctx context.Context, userID string, limit, offset int) ([]*models.StatusView, error) {
	if err := e.knownUser(ctx, userID); err != nil {
		return nil, err
	}

	views, err := e.collect(limit, offset, func(wf Decidable, window int) ([]*models.StatusView, error) {
		return wf.ByRequester(ctx, userID, window)
	}, func(a, b *models.StatusView) bool { return a.CreatedAt.After(b.CreatedAt) })
	if err != nil {
		return nil, fmt.Errorf("failed to list requests of %s: %w", userID, err)
	}
	return views, nil
}

// Decisions returns an approver's activity log, newest first.
func (e *Engine) Decisions(ctx context.Context, approverID string, limit, offset int) ([]*models.DecisionRecord, error) {
	if err := e.knownUser(ctx, approverID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	records, err := e.store.ListDecisionsByApprover(ctx, approverID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	if records == nil {
		records = []*models.DecisionRecord{}
	}
	return records, nil
}

func (e *Engine) knownUser(ctx context.Context, id string) error {
	if _, err := e.store.LookupUser(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to look up user: %w", err)
	}
	return nil
}

// collect reads each kind up to the end of the requested window, merges the
// results in the given order and cuts the window out.
func (e *Engine) collect(limit, offset int, list func(Decidable, int) ([]*models.StatusView, error), less func(a, b *models.StatusView) bool) ([]*models.StatusView, error) {
	if offset < 0 {
		offset = 0
	}
	window := 0
	if limit > 0 {
		window = limit + offset
	}

	var all []*models.StatusView
	for _, kind := range []models.RequestKind{models.KindTransaction, models.KindAccountRequest, models.KindProfileUpdate} {
		views, err := list(e.workflows[kind], window)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		all = append(all, views...)
	}

	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })

	if offset >= len(all) {
		return []*models.StatusView{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Transaction returns a transaction together with its authorization.
func (e *Engine) Transaction(ctx context.Context, id string) (*models.Transaction, *models.Authorization, error) {
	return e.transactions.get(ctx, id)
}

func submittedNotification(userID string, category models.NotificationCategory, title string, view *models.StatusView) models.Notification {
	return models.Notification{
		UserID:    userID,
		Category:  category,
		Title:     title,
		Message:   fmt.Sprintf("Your request %q is pending approval.", view.Summary),
		RelatedID: view.ID,
	}
}

// decisionMessage describes a decided request for its notification.
func decisionMessage(view *models.StatusView, verb, reason string) string {
	msg := fmt.Sprintf("Your request %q was %s.", view.Summary, verb)
	if reason != "" {
		msg += " Reason: " + reason
	}
	return msg
}
