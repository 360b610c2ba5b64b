package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abkawan/approval-ledger/internal/models"
)

// profileColumns maps each editable field to its column. Only these names
// are ever interpolated into SQL.
var profileColumns = map[models.ProfileField]string{
	models.FieldFirstName: "first_name",
	models.FieldLastName:  "last_name",
	models.FieldEmail:     "email",
	models.FieldPhone:     "phone",
	models.FieldAddress:   "address",
}

// creates a new user
func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO users (id, username, first_name, last_name, email, phone, address, role, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.FirstName, u.LastName, u.Email, u.Phone, u.Address,
		u.Role, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// LookupUser returns the user with the given id.
func (p *Postgres) LookupUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `
	SELECT id, username, first_name, last_name, email, phone, address, role, created_at, updated_at
	FROM users WHERE id = $1`, id).Scan(
		&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &u.Address,
		&u.Role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) UpdateProfileField(ctx context.Context, userID string, field models.ProfileField, value string) error {
	column, ok := profileColumns[field]
	if !ok {
		return fmt.Errorf("unknown profile field %q", field)
	}

	query := fmt.Sprintf(`UPDATE users SET %s = $2, updated_at = $3 WHERE id = $1`, column)
	res, err := p.db.ExecContext(ctx, query, userID, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
