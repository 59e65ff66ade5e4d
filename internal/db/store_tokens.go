package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/tokens"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Reserve deducts amount from the account under a row lock.
func (db *DB) Reserve(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error) {
	var balance int64
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT balance FROM token_accounts
			WHERE organization_id = $1 AND token_type = $2
			FOR UPDATE
		`, orgID, string(tokenType)).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return tokens.ErrAccountNotFound
			}
			return fmt.Errorf("lock token account: %w", err)
		}
		if balance < amount {
			return tokens.ErrInsufficientBalance
		}
		return tx.QueryRow(ctx, `
			UPDATE token_accounts
			SET balance = balance - $3, total_used = total_used + $3,
				last_used_at = NOW(), updated_at = NOW()
			WHERE organization_id = $1 AND token_type = $2
			RETURNING balance
		`, orgID, string(tokenType), amount).Scan(&balance)
	})
	return balance, err
}

// Refund credits a failed reservation back to the account.
func (db *DB) Refund(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (int64, error) {
	var balance int64
	err := db.Pool.QueryRow(ctx, `
		UPDATE token_accounts
		SET balance = balance + $3, total_allocated = total_allocated + $3, updated_at = NOW()
		WHERE organization_id = $1 AND token_type = $2
		RETURNING balance
	`, orgID, string(tokenType), amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, tokens.ErrAccountNotFound
		}
		return 0, fmt.Errorf("refund tokens: %w", err)
	}
	return balance, nil
}

// Grant allocates tokens, creating the account on first use.
func (db *DB) Grant(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, amount int64) (*models.TokenAccount, error) {
	acct := models.TokenAccount{OrganizationID: orgID, TokenType: tokenType}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO token_accounts (organization_id, token_type, balance, total_allocated, total_used)
		VALUES ($1, $2, $3, $3, 0)
		ON CONFLICT (organization_id, token_type) DO UPDATE
		SET balance = token_accounts.balance + EXCLUDED.balance,
			total_allocated = token_accounts.total_allocated + EXCLUDED.total_allocated,
			updated_at = NOW()
		RETURNING balance, total_allocated, total_used, last_used_at
	`, orgID, string(tokenType), amount).Scan(&acct.Balance, &acct.TotalAllocated, &acct.TotalUsed, &acct.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("grant tokens: %w", err)
	}
	return &acct, nil
}

// GetAccount returns the organization's account for a token type.
func (db *DB) GetAccount(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType) (*models.TokenAccount, error) {
	acct := models.TokenAccount{OrganizationID: orgID, TokenType: tokenType}
	err := db.Pool.QueryRow(ctx, `
		SELECT balance, total_allocated, total_used, last_used_at
		FROM token_accounts
		WHERE organization_id = $1 AND token_type = $2
	`, orgID, string(tokenType)).Scan(&acct.Balance, &acct.TotalAllocated, &acct.TotalUsed, &acct.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tokens.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get token account: %w", err)
	}
	return &acct, nil
}

// UsedSince sums reserved tokens net of refunds since the given time.
func (db *DB) UsedSince(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, since time.Time) (int64, error) {
	var used int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE kind WHEN 'reserve' THEN amount WHEN 'refund' THEN -amount ELSE 0 END), 0)
		FROM token_transactions
		WHERE organization_id = $1 AND token_type = $2 AND created_at >= $3
	`, orgID, string(tokenType), since).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return used, nil
}

// RecordTransaction appends a ledger audit entry.
func (db *DB) RecordTransaction(ctx context.Context, t *models.TokenTransaction) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO token_transactions (id, reservation_id, organization_id, user_id, token_type,
			kind, amount, balance_after, endpoint, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, nullUUID(t.ReservationID), t.OrganizationID, nullUUID(t.UserID), string(t.TokenType),
		string(t.Kind), t.Amount, t.BalanceAfter, t.Endpoint, t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("record token transaction: %w", err)
	}
	return nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// GrantAllowance credits a plan allowance once per organization, token type
// and period. The period claim, the balance update and the audit entry
// commit together.
func (db *DB) GrantAllowance(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, period time.Time, amount int64) (bool, error) {
	granted := false
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO token_allowance_periods (organization_id, token_type, period, amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, orgID, string(tokenType), period, amount)
		if err != nil {
			return fmt.Errorf("claim allowance period: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		var balance int64
		err = tx.QueryRow(ctx, `
			INSERT INTO token_accounts (organization_id, token_type, balance, total_allocated, total_used)
			VALUES ($1, $2, $3, $3, 0)
			ON CONFLICT (organization_id, token_type) DO UPDATE
			SET balance = token_accounts.balance + EXCLUDED.balance,
				total_allocated = token_accounts.total_allocated + EXCLUDED.total_allocated,
				updated_at = NOW()
			RETURNING balance
		`, orgID, string(tokenType), amount).Scan(&balance)
		if err != nil {
			return fmt.Errorf("credit allowance: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO token_transactions (id, organization_id, token_type, kind, amount, balance_after, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), orgID, string(tokenType), string(models.TokenTxGrant), amount, balance,
			"monthly allowance "+period.Format("2006-01"))
		if err != nil {
			return fmt.Errorf("record allowance: %w", err)
		}
		granted = true
		return nil
	})
	return granted, err
}
