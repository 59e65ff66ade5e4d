package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole defines the role of a user within an organization.
type UserRole string

const (
	// UserRoleAdmin may grant tokens and manage the organization.
	UserRoleAdmin UserRole = "admin"
	// UserRoleMember has standard access.
	UserRoleMember UserRole = "member"
)

// IsValid checks if the role is a recognized value.
func (r UserRole) IsValid() bool {
	return r == UserRoleAdmin || r == UserRoleMember
}

// User is a member of an organization.
type User struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Email          string    `json:"email"`
	Role           UserRole  `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewUser creates a new User with the given details.
func NewUser(orgID uuid.UUID, email string, role UserRole) *User {
	return &User{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Email:          email,
		Role:           role,
		CreatedAt:      time.Now(),
	}
}

// APIKey is a hashed bearer credential issued to a user.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
