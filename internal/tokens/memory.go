package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

type accountKey struct {
	org       uuid.UUID
	tokenType models.TokenType
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[accountKey]*models.TokenAccount
	transactions []models.TokenTransaction
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[accountKey]*models.TokenAccount), now: time.Now}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey{orgID, tokenType}]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if acct.Balance < amount {
		return acct.Balance, ErrInsufficientBalance
	}
	now := s.now()
	acct.Balance -= amount
	acct.TotalUsed += amount
	acct.LastUsedAt = &now
	return acct.Balance, nil
}

// Refund implements Store.
func (s *MemoryStore) Refund(_ context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey{orgID, tokenType}]
	if !ok {
		return 0, ErrAccountNotFound
	}
	acct.Balance += amount
	acct.TotalAllocated += amount
	return acct.Balance, nil
}

// Grant implements Store.
func (s *MemoryStore) Grant(_ context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (*models.TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey{orgID, tokenType}
	acct, ok := s.accounts[key]
	if !ok {
		acct = &models.TokenAccount{OrganizationID: orgID, TokenType: tokenType}
		s.accounts[key] = acct
	}
	acct.Balance += amount
	acct.TotalAllocated += amount
	cp := *acct
	return &cp, nil
}

// GetAccount implements Store.
func (s *MemoryStore) GetAccount(_ context.Context, orgID uuid.UUID, tokenType models.TokenType) (*models.TokenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey{orgID, tokenType}]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// UsedSince implements Store.
func (s *MemoryStore) UsedSince(_ context.Context, orgID uuid.UUID, tokenType models.TokenType, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var used int64
	for _, tx := range s.transactions {
		if tx.OrganizationID != orgID || tx.TokenType != tokenType || tx.CreatedAt.Before(since) {
			continue
		}
		switch tx.Kind {
		case models.TokenTxReserve:
			used += tx.Amount
		case models.TokenTxRefund:
			used -= tx.Amount
		}
	}
	return used, nil
}

// RecordTransaction implements Store.
func (s *MemoryStore) RecordTransaction(_ context.Context, tx *models.TokenTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, *tx)
	return nil
}

// Transactions returns a copy of the audit trail.
func (s *MemoryStore) Transactions() []models.TokenTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TokenTransaction(nil), s.transactions...)
}
