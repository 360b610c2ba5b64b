package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
)

// UserService serves user reads and the notification inbox.
type UserService struct {
	directory Directory
	inbox     Inbox
}

func NewUserService(directory Directory, inbox Inbox) *UserService {
	return &UserService{directory: directory, inbox: inbox}
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.directory.LookupUser(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *UserService) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*models.Notification, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	notifications, err := s.inbox.ListNotifications(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}
