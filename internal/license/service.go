package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists licenses and device registrations.
type Store interface {
	GetLicenseByUser(ctx context.Context, userID uuid.UUID) (*Record, error)
	GetLicenseByOrganization(ctx context.Context, orgID uuid.UUID) (*Record, error)
	// UpdateBilling loads the organization's license under a row lock,
	// applies mutate and persists the result if mutate reports a change.
	UpdateBilling(ctx context.Context, orgID uuid.UUID, mutate func(*Record) bool) (*Record, error)
	UpsertDevice(ctx context.Context, device *models.Device) error
}

// VerifyRequest is a device's license check.
type VerifyRequest struct {
	UserID     uuid.UUID `json:"-"`
	DeviceID   string    `json:"device_id" binding:"required"`
	DeviceName string    `json:"device_name"`
	AppVersion string    `json:"app_version" binding:"required"`
}

// GracePeriod is the countdown shown to delinquent organizations.
type GracePeriod struct {
	DaysRemaining int        `json:"days_remaining"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// VerifyResponse is the license snapshot returned to a device.
type VerifyResponse struct {
	LicenseID             uuid.UUID   `json:"license_id"`
	Plan                  Plan        `json:"plan"`
	Status                Status      `json:"status"`
	ExpiryDate            *time.Time  `json:"expiry_date"`
	GracePeriod           GracePeriod `json:"grace_period"`
	Features              Features    `json:"features"`
	SyncEnabled           bool        `json:"sync_enabled"`
	CanCreateJobs         bool        `json:"can_create_jobs"`
	CanAddInventory       bool        `json:"can_add_inventory"`
	MinRequiredAppVersion string      `json:"min_required_app_version"`
	UpdateRequired        bool        `json:"update_required"`
}

// ServiceConfig holds the configuration for a Service.
type ServiceConfig struct {
	Store         Store
	MinAppVersion string
	Logger        zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service answers license questions for the API and the token ledger.
type Service struct {
	store         Store
	minAppVersion string
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService creates a new license Service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:         cfg.Store,
		minAppVersion: cfg.MinAppVersion,
		logger:        cfg.Logger.With().Str("component", "license_service").Logger(),
		now:           now,
	}
}

// Verify evaluates the caller's license and records the device. A failed
// device upsert is logged and does not fail verification.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	if req.DeviceID == "" {
		return nil, apperr.Validation("device_id is required")
	}
	if req.AppVersion == "" {
		return nil, apperr.Validation("app_version is required")
	}

	rec, err := s.store.GetLicenseByUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return nil, apperr.NotFound("no license for user")
		}
		return nil, fmt.Errorf("get license: %w", err)
	}

	now := s.now()
	device := &models.Device{
		LicenseID:  rec.ID,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		AppVersion: req.AppVersion,
		LastSeenAt: now,
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		s.logger.Warn().Err(err).
			Str("license_id", rec.ID.String()).
			Str("device_id", req.DeviceID).
			Msg("failed to record device")
	}

	return s.buildResponse(rec, req.AppVersion, now), nil
}

func (s *Service) buildResponse(rec *Record, appVersion string, now time.Time) *VerifyResponse {
	eval := rec.Evaluate(now)
	features := PermissionsToFeatures(eval.Status, rec.Plan)

	return &VerifyResponse{
		LicenseID:  rec.ID,
		Plan:       rec.Plan,
		Status:     eval.Status,
		ExpiryDate: rec.CurrentPeriodEnd,
		GracePeriod: GracePeriod{
			DaysRemaining: eval.DaysRemaining,
			ExpiresAt:     eval.GraceExpiresAt,
		},
		Features:              features,
		SyncEnabled:           features.SyncEnabled,
		CanCreateJobs:         features.CanCreateJobs,
		CanAddInventory:       features.CanAddInventory,
		MinRequiredAppVersion: s.minAppVersion,
		UpdateRequired:        !VersionSupported(appVersion, s.minAppVersion),
	}
}

// Permissions returns the organization's current permission view.
func (s *Service) Permissions(ctx context.Context, orgID uuid.UUID) (Permissions, error) {
	rec, err := s.store.GetLicenseByOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return Permissions{}, apperr.NotFound("no license for organization")
		}
		return Permissions{}, fmt.Errorf("get license: %w", err)
	}
	return rec.Permissions(s.now()), nil
}

// Authorize returns a forbidden error carrying the block reason when the
// organization may not perform action.
func (s *Service) Authorize(ctx context.Context, orgID uuid.UUID, action Action) error {
	perms, err := s.Permissions(ctx, orgID)
	if err != nil {
		return err
	}
	if reason := perms.BlockReason(action); reason != "" {
		return apperr.Forbidden(reason)
	}
	return nil
}

// HandleBillingEvent applies a payment provider event to the license.
func (s *Service) HandleBillingEvent(ctx context.Context, ev BillingEvent) (*Record, error) {
	if ev.OrganizationID == uuid.Nil {
		return nil, apperr.Validation("organization_id is required")
	}
	if !ev.Status.IsValid() {
		return nil, apperr.Validation("unknown billing status %q", ev.Status)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}

	var before Status
	stale := false
	rec, err := s.store.UpdateBilling(ctx, ev.OrganizationID, func(r *Record) bool {
		before = r.Evaluate(ev.OccurredAt).Status
		stale = r.IsStale(ev)
		return r.ApplyBilling(ev)
	})
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return nil, apperr.NotFound("no license for organization")
		}
		return nil, fmt.Errorf("update billing: %w", err)
	}

	if stale {
		s.logger.Warn().
			Str("event_id", ev.ID).
			Str("organization_id", ev.OrganizationID.String()).
			Time("occurred_at", ev.OccurredAt).
			Msg("stale billing event ignored")
		return rec, nil
	}

	after := rec.Evaluate(s.now()).Status
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("organization_id", ev.OrganizationID.String()).
		Str("billing_status", string(ev.Status)).
		Str("previous_status", before.String()).
		Str("status", after.String()).
		Msg("billing event applied")

	return rec, nil
}
