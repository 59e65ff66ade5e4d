// Package auth validates bearer API keys and resolves them to a verified
// user and organization.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// APIKeyPrefix is the prefix for all gearbase API keys.
	APIKeyPrefix = "gb_"
	// APIKeyLength is the expected length of the hex portion of the API key.
	APIKeyLength = 64
)

// ErrUnknownKey is returned by stores when no active key matches the hash.
var ErrUnknownKey = errors.New("unknown api key")

// Principal is the verified identity behind a request.
type Principal struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           models.UserRole
}

// IsAdmin reports whether the principal may perform administrative actions.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == models.UserRoleAdmin
}

// UserStore defines the lookup needed to resolve an API key.
type UserStore interface {
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
}

// APIKeyValidator validates API keys and retrieves the associated user.
type APIKeyValidator struct {
	store  UserStore
	logger zerolog.Logger
}

// NewAPIKeyValidator creates a new API key validator.
func NewAPIKeyValidator(store UserStore, logger zerolog.Logger) *APIKeyValidator {
	return &APIKeyValidator{
		store:  store,
		logger: logger.With().Str("component", "apikey_validator").Logger(),
	}
}

// ValidateAPIKey resolves apiKey to a Principal. Invalid or unknown keys
// yield an auth error; store failures are returned as-is.
func (v *APIKeyValidator) ValidateAPIKey(ctx context.Context, apiKey string) (*Principal, error) {
	if !IsValidAPIKeyFormat(apiKey) {
		v.logger.Debug().Msg("invalid API key format")
		return nil, apperr.New(apperr.KindAuth, "invalid API key")
	}

	user, err := v.store.GetUserByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			v.logger.Debug().Msg("no user for API key")
			return nil, apperr.New(apperr.KindAuth, "invalid API key")
		}
		return nil, fmt.Errorf("look up api key: %w", err)
	}

	v.logger.Debug().
		Str("user_id", user.ID.String()).
		Str("organization_id", user.OrganizationID.String()).
		Msg("API key validated")

	return &Principal{UserID: user.ID, OrganizationID: user.OrganizationID, Role: user.Role}, nil
}

// GenerateAPIKey returns a new random key and its storage hash.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, APIKeyLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// IsValidAPIKeyFormat checks if the API key has the correct format.
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix) {
		return false
	}
	hexPart := strings.TrimPrefix(apiKey, APIKeyPrefix)
	if len(hexPart) != APIKeyLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage and lookup.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
