package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleTeacher
}

func ParseRole(value string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(value)))
	return role, role.Valid()
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type TeacherProfile struct {
	ID        string
	UserID    string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// RefreshToken is one outstanding session. TokenHash is the only form of the
// token that is ever persisted.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	UserAgent *string
	IPAddress *string
}

func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// UserUpdate lists the only mutable fields of a user record. Nil fields are
// left untouched.
type UserUpdate struct {
	Email    *string
	Role     *Role
	IsActive *bool
}

func (u UserUpdate) Empty() bool {
	return u.Email == nil && u.Role == nil && u.IsActive == nil
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
