package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
)

type profileUpdateWorkflow struct {
	store Store
}

func (w *profileUpdateWorkflow) Kind() models.RequestKind { return models.KindProfileUpdate }

func (w *profileUpdateWorkflow) submit(ctx context.Context, requester *models.User, in models.ProfileUpdateInput, now time.Time) (*models.ProfileUpdateRequest, error) {
	if !in.Field.Valid() {
		return nil, invalid("field", "unknown profile field %q", in.Field)
	}
	value := strings.TrimSpace(in.RequestedValue)
	if value == "" {
		return nil, invalid("requested_value", "is required")
	}
	current := requester.ProfileValue(in.Field)
	if value == current {
		return nil, invalid("requested_value", "matches the current value")
	}

	r := &models.ProfileUpdateRequest{
		ID:             models.NewRequestID(models.KindProfileUpdate),
		RequesterID:    requester.ID,
		Field:          in.Field,
		CurrentValue:   current,
		RequestedValue: value,
		Reason:         in.Reason,
		Status:         models.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.CreateProfileUpdateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create profile update request: %w", err)
	}
	return r, nil
}

func (w *profileUpdateWorkflow) get(ctx context.Context, id string) (*models.ProfileUpdateRequest, error) {
	r, err := w.store.GetProfileUpdateRequest(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: profile update request %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get profile update request: %w", err)
	}
	return r, nil
}

func (w *profileUpdateWorkflow) Claim(ctx context.Context, d models.Decision, at time.Time) (*Claim, error) {
	r, err := w.get(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestPending {
		return nil, fmt.Errorf("%w: profile update request %s is %s", ErrNotPending, r.ID, r.Status)
	}
	if r.RequesterID == d.ApproverID {
		return nil, fmt.Errorf("%w: approvers may not decide their own requests", ErrForbidden)
	}

	u := decisionUpdate(r.ID, d, at)
	if err := w.store.UpdateProfileUpdateRequestStatus(ctx, u); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: profile update request %s was decided concurrently", ErrNotPending, r.ID)
		}
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	r.Status = u.To
	r.ApproverID = d.ApproverID
	r.DecidedAt = &at
	r.RejectionReason = u.Reason
	r.UpdatedAt = at
	return &Claim{Decision: d, ProfileUpdate: r}, nil
}

func (w *profileUpdateWorkflow) Apply(ctx context.Context, c *Claim) error {
	r := c.ProfileUpdate
	if err := w.store.UpdateProfileField(ctx, r.RequesterID, r.Field, r.RequestedValue); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: user %s", ErrNotFound, r.RequesterID)
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

func (w *profileUpdateWorkflow) Finalize(ctx context.Context, c *Claim, cause error, at time.Time) error {
	r := c.ProfileUpdate

	u := models.RequestUpdate{
		RequestID: r.ID,
		From:      models.RequestApproved,
		To:        models.RequestCompleted,
		At:        at,
	}
	if cause != nil {
		u.To = models.RequestFailed
		u.Reason = cause.Error()
	}

	if err := w.store.UpdateProfileUpdateRequestStatus(ctx, u); err != nil {
		return err
	}

	r.Status = u.To
	r.UpdatedAt = at
	if cause != nil {
		r.RejectionReason = u.Reason
	}
	return nil
}

func (w *profileUpdateWorkflow) View(c *Claim) *models.StatusView {
	return models.ProfileUpdateView(c.ProfileUpdate)
}

func (w *profileUpdateWorkflow) Status(ctx context.Context, id string) (*models.StatusView, error) {
	r, err := w.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.ProfileUpdateView(r), nil
}

func (w *profileUpdateWorkflow) Pending(ctx context.Context, limit int) ([]*models.StatusView, error) {
	rs, err := w.store.ListProfileUpdateRequestsByStatus(ctx, models.RequestPending, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(rs))
	for _, r := range rs {
		views = append(views, models.ProfileUpdateView(r))
	}
	return views, nil
}

func (w *profileUpdateWorkflow) ByRequester(ctx context.Context, requesterID string, limit int) ([]*models.StatusView, error) {
	rs, err := w.store.ListProfileUpdateRequestsByRequester(ctx, requesterID, limit, 0)
	if err != nil {
		return nil, err
	}
	views := make([]*models.StatusView, 0, len(rs))
	for _, r := range rs {
		views = append(views, models.ProfileUpdateView(r))
	}
	return views, nil
}

func (w *profileUpdateWorkflow) Announce(ctx context.Context, c *Claim) []models.Notification {
	r := c.ProfileUpdate

	var title, verb string
	switch r.Status {
	case models.RequestCompleted:
		title, verb = "Profile Update Approved", "approved and applied"
	case models.RequestRejected:
		title, verb = "Profile Update Rejected", "rejected"
	case models.RequestFailed:
		title, verb = "Profile Update Failed", "approved but could not be applied"
	default:
		return nil
	}

	return []models.Notification{{
		UserID:    r.RequesterID,
		Category:  models.CategoryProfileUpdate,
		Title:     title,
		Message:   decisionMessage(models.ProfileUpdateView(r), verb, r.RejectionReason),
		RelatedID: r.ID,
	}}
}
