package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearbase/gearbase/internal/auth"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO organizations (id, name, created_at)
		VALUES ($1, $2, $3)
	`, org.ID, org.Name, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO users (id, organization_id, email, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.OrganizationID, user.Email, string(user.Role), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateAPIKey stores a hashed API key for a user.
func (db *DB) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.UserID, key.Name, key.KeyHash, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key as revoked.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrUnknownKey
	}
	return nil
}

// GetUserByAPIKeyHash returns the user owning an active key and records
// its use.
func (db *DB) GetUserByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	var user models.User
	var role string
	err := db.Pool.QueryRow(ctx, `
		UPDATE api_keys k SET last_used_at = NOW()
		FROM users u
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL AND u.id = k.user_id
		RETURNING u.id, u.organization_id, u.email, u.role, u.created_at
	`, hash).Scan(&user.ID, &user.OrganizationID, &user.Email, &role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrUnknownKey
		}
		return nil, fmt.Errorf("get user by api key: %w", err)
	}
	user.Role = models.UserRole(role)
	return &user, nil
}

// Bootstrap creates an organization with an admin user, a license on
// plan, and an API key for that user. It returns the plaintext key.
func (db *DB) Bootstrap(ctx context.Context, orgName, email string, plan string) (string, error) {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}

	org := models.NewOrganization(orgName)
	user := models.NewUser(org.ID, email, models.UserRoleAdmin)
	now := time.Now()

	err = db.ExecTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
			org.ID, org.Name, org.CreatedAt); err != nil {
			return fmt.Errorf("insert organization: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO users (id, organization_id, email, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
			user.ID, user.OrganizationID, user.Email, string(user.Role), user.CreatedAt); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO api_keys (id, user_id, name, key_hash, created_at) VALUES ($1, $2, 'bootstrap', $3, $4)`,
			uuid.New(), user.ID, hash, now); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO licenses (id, organization_id, plan, billing_status, created_at, updated_at)
			VALUES ($1, $2, $3, 'active', $4, $4)
		`, uuid.New(), org.ID, plan, now); err != nil {
			return fmt.Errorf("insert license: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	db.logger.Info().
		Str("organization_id", org.ID.String()).
		Str("user_id", user.ID.String()).
		Str("plan", plan).
		Msg("bootstrapped organization")
	return key, nil
}
