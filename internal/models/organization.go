// Package models defines the domain types shared across gearbase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. Licenses and token balances belong to it.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NewOrganization creates a new Organization with the given name.
func NewOrganization(name string) *Organization {
	return &Organization{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}
