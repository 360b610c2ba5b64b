package models

import "time"

type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleInternalUser Role = "INTERNAL_USER"
	RoleCustomer     Role = "CUSTOMER"
)

// IsApprover reports whether the role may decide pending requests.
func (r Role) IsApprover() bool {
	return r == RoleAdmin || r == RoleInternalUser
}

// User is the read model of a bank user, owned by the user directory.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Email     string    `json:"email" db:"email"`
	Phone     string    `json:"phone" db:"phone"`
	Address   string    `json:"address" db:"address"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsApprover reports whether the user may decide pending requests.
func (u *User) IsApprover() bool {
	return u != nil && u.Role.IsApprover()
}

// ProfileValue returns the current value of field.
func (u *User) ProfileValue(field ProfileField) string {
	switch field {
	case FieldFirstName:
		return u.FirstName
	case FieldLastName:
		return u.LastName
	case FieldEmail:
		return u.Email
	case FieldPhone:
		return u.Phone
	case FieldAddress:
		return u.Address
	}
	return ""
}

// SetProfileValue writes value into field.
func (u *User) SetProfileValue(field ProfileField, value string) {
	switch field {
	case FieldFirstName:
		u.FirstName = value
	case FieldLastName:
		u.LastName = value
	case FieldEmail:
		u.Email = value
	case FieldPhone:
		u.Phone = value
	case FieldAddress:
		u.Address = value
	}
}
