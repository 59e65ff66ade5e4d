package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenType is a metered feature category with its own balance.
type TokenType string

const (
	// TokenTypeAICompletion meters AI text completions.
	TokenTypeAICompletion TokenType = "ai_completion"
	// TokenTypeDocumentScan meters AI document extraction.
	TokenTypeDocumentScan TokenType = "document_scan"
)

// IsValid reports whether t is a known token type.
func (t TokenType) IsValid() bool {
	return t == TokenTypeAICompletion || t == TokenTypeDocumentScan
}

// TokenAccount is an organization's consumable balance for one token type.
// Balance always equals TotalAllocated minus TotalUsed.
type TokenAccount struct {
	OrganizationID uuid.UUID  `json:"organization_id"`
	TokenType      TokenType  `json:"token_type"`
	Balance        int64      `json:"balance"`
	TotalAllocated int64      `json:"total_allocated"`
	TotalUsed      int64      `json:"total_used"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// Consistent reports whether the account satisfies its balance invariants.
func (a *TokenAccount) Consistent() bool {
	return a.Balance >= 0 && a.Balance == a.TotalAllocated-a.TotalUsed
}

// TokenTransactionKind is the type of a ledger audit entry.
type TokenTransactionKind string

const (
	// TokenTxReserve is a provisional deduction ahead of a metered call.
	TokenTxReserve TokenTransactionKind = "reserve"
	// TokenTxCommit confirms a reservation after the metered call succeeded.
	TokenTxCommit TokenTransactionKind = "commit"
	// TokenTxRefund returns a reservation after the metered call failed.
	TokenTxRefund TokenTransactionKind = "refund"
	// TokenTxGrant allocates new tokens to an account.
	TokenTxGrant TokenTransactionKind = "grant"
	// TokenTxDenied records a reservation attempt that was refused.
	TokenTxDenied TokenTransactionKind = "denied"
)

// TokenTransaction is an audit trail entry for every ledger attempt.
type TokenTransaction struct {
	ID             uuid.UUID            `json:"id"`
	ReservationID  uuid.UUID            `json:"reservation_id,omitempty"`
	OrganizationID uuid.UUID            `json:"organization_id"`
	UserID         uuid.UUID            `json:"user_id,omitempty"`
	TokenType      TokenType            `json:"token_type"`
	Kind           TokenTransactionKind `json:"kind"`
	Amount         int64                `json:"amount"`
	BalanceAfter   *int64               `json:"balance_after,omitempty"`
	Endpoint       string               `json:"endpoint,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}
