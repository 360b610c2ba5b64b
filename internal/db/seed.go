package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/approval-ledger/internal/models"
)

// SeedAdminID is the approver created by SeedUsers.
const SeedAdminID = "user-admin"

type userCreator interface {
	CreateUser(ctx context.Context, u *models.User) error
}

// SeedUserID returns the id SeedUsers gives the n-th customer, from 1.
func SeedUserID(n int) string {
	return fmt.Sprintf("user-%03d", n)
}

// SeedUsers creates an admin plus the given number of customers. Users that
// already exist are left alone.
func SeedUsers(ctx context.Context, store userCreator, customers int) error {
	now := time.Now().UTC()

	users := []*models.User{{
		ID:        SeedAdminID,
		Username:  "admin",
		FirstName: "Ledger",
		LastName:  "Admin",
		Email:     "admin@ledger.local",
		Role:      models.RoleAdmin,
	}}
	for i := 1; i <= customers; i++ {
		id := SeedUserID(i)
		users = append(users, &models.User{
			ID:        id,
			Username:  id,
			FirstName: "Customer",
			LastName:  fmt.Sprintf("%03d", i),
			Email:     id + "@ledger.local",
			Role:      models.RoleCustomer,
		})
	}

	for _, u := range users {
		u.CreatedAt, u.UpdatedAt = now, now
		if err := store.CreateUser(ctx, u); err != nil && !errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
	}
	return nil
}
