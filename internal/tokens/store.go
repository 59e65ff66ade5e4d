// Package tokens meters consumable per-organization balances with
// reserve-then-commit-or-refund semantics.
package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrAccountNotFound indicates the organization has no account for the token type.
	ErrAccountNotFound = errors.New("token account not found")
	// ErrInsufficientBalance indicates the balance cannot cover the reservation.
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// Store is the authoritative balance store. Reserve must lock the account
// row so two concurrent reservations cannot both spend the same balance.
type Store interface {
	// Reserve deducts amount from balance and adds it to total used,
	// returning the new balance.
	Reserve(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error)
	// Refund returns amount to the balance, returning the new balance.
	Refund(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error)
	// Grant adds amount to balance and total allocated, creating the
	// account if needed.
	Grant(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (*models.TokenAccount, error)
	GetAccount(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType) (*models.TokenAccount, error)
	// UsedSince sums committed and outstanding reservations since the given time.
	UsedSince(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, since time.Time) (int64, error)
	RecordTransaction(ctx context.Context, tx *models.TokenTransaction) error
}
