package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(store Store, clock *fakeClock) *Service {
	return NewService(ServiceConfig{
		Store:         store,
		MinAppVersion: "2.0.0",
		Logger:        zerolog.Nop(),
		Now:           clock.Now,
	})
}

func TestService_Verify(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	userID := uuid.New()
	rec := &Record{ID: uuid.New(), OrganizationID: uuid.New(), Plan: PlanPro, BillingStatus: BillingActive}
	store.Add(userID, rec)
	svc := newTestService(store, clock)

	resp, err := svc.Verify(context.Background(), VerifyRequest{
		UserID:     userID,
		DeviceID:   "tablet-1",
		DeviceName: "Shop tablet",
		AppVersion: "1.9.0",
	})
	require.NoError(t, err)

	assert.Equal(t, rec.ID, resp.LicenseID)
	assert.Equal(t, StatusActive, resp.Status)
	assert.True(t, resp.SyncEnabled)
	assert.True(t, resp.Features.SyncEnabled)
	assert.Equal(t, "2.0.0", resp.MinRequiredAppVersion)
	assert.True(t, resp.UpdateRequired)
	assert.Nil(t, resp.GracePeriod.ExpiresAt)

	dev, ok := store.devices[rec.ID.String()+"/tablet-1"]
	require.True(t, ok, "device should be recorded")
	assert.Equal(t, "1.9.0", dev.AppVersion)
	assert.Equal(t, clock.Now(), dev.LastSeenAt)
}

func TestService_VerifyDeviceFailureIsNotFatal(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := NewMemoryStore()
	store.deviceErr = errors.New("disk full")
	userID := uuid.New()
	store.Add(userID, &Record{ID: uuid.New(), OrganizationID: uuid.New(), Plan: PlanStarter, BillingStatus: BillingActive})

	resp, err := newTestService(store, clock).Verify(context.Background(), VerifyRequest{UserID: userID, DeviceID: "d1", AppVersion: "2.1.0"})
	require.NoError(t, err)
	assert.False(t, resp.SyncEnabled)
	assert.False(t, resp.UpdateRequired)
}

func TestService_VerifyErrors(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeClock{t: time.Now()})

	_, err := svc.Verify(context.Background(), VerifyRequest{UserID: uuid.New()})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Verify(context.Background(), VerifyRequest{UserID: uuid.New(), DeviceID: "d1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "app_version is required")

	_, err = svc.Verify(context.Background(), VerifyRequest{UserID: uuid.New(), DeviceID: "d1", AppVersion: "2.0.0"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_GracePeriodLifecycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	store := NewMemoryStore()
	userID := uuid.New()
	orgID := uuid.New()
	store.Add(userID, &Record{ID: uuid.New(), OrganizationID: orgID, Plan: PlanPro, BillingStatus: BillingActive})
	svc := newTestService(store, clock)
	ctx := context.Background()

	_, err := svc.HandleBillingEvent(ctx, BillingEvent{ID: "evt_1", OrganizationID: orgID, Status: BillingPastDue, OccurredAt: start})
	require.NoError(t, err)

	verify := func() *VerifyResponse {
		resp, err := svc.Verify(ctx, VerifyRequest{UserID: userID, DeviceID: "d1", AppVersion: "2.0.0"})
		require.NoError(t, err)
		return resp
	}

	resp := verify()
	assert.Equal(t, StatusWarning, resp.Status)
	assert.Equal(t, 15, resp.GracePeriod.DaysRemaining)
	assert.True(t, resp.SyncEnabled)
	require.NotNil(t, resp.GracePeriod.ExpiresAt)
	assert.Equal(t, start.Add(15*24*time.Hour), *resp.GracePeriod.ExpiresAt)

	clock.Advance(8 * 24 * time.Hour)
	resp = verify()
	assert.Equal(t, StatusLimited, resp.Status)
	assert.False(t, resp.SyncEnabled)
	assert.True(t, resp.CanCreateJobs)
	require.Error(t, svc.Authorize(ctx, orgID, ActionSync))
	require.NoError(t, svc.Authorize(ctx, orgID, ActionCreateJob))

	// A second failure notification must not restart the countdown.
	_, err = svc.HandleBillingEvent(ctx, BillingEvent{ID: "evt_2", OrganizationID: orgID, Status: BillingUnpaid, OccurredAt: clock.Now()})
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	resp = verify()
	assert.Equal(t, StatusRestricted, resp.Status)
	assert.False(t, resp.CanCreateJobs)
	assert.False(t, resp.CanAddInventory)
	assert.True(t, resp.Features.CanViewInventory)

	err = svc.Authorize(ctx, orgID, ActionCreateJob)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Contains(t, apperr.Message(err), "billing")

	_, err = svc.HandleBillingEvent(ctx, BillingEvent{ID: "evt_3", OrganizationID: orgID, Status: BillingActive, OccurredAt: clock.Now()})
	require.NoError(t, err)
	resp = verify()
	assert.Equal(t, StatusActive, resp.Status)
	assert.True(t, resp.SyncEnabled)
}

func TestService_OutOfOrderBillingEvents(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start.Add(16 * 24 * time.Hour)}
	store := NewMemoryStore()
	userID := uuid.New()
	orgID := uuid.New()
	store.Add(userID, &Record{ID: uuid.New(), OrganizationID: orgID, Plan: PlanPro, BillingStatus: BillingPastDue})
	svc := newTestService(store, clock)
	ctx := context.Background()

	_, err := svc.HandleBillingEvent(ctx, BillingEvent{ID: "evt_paid", OrganizationID: orgID, Status: BillingActive, OccurredAt: clock.Now()})
	require.NoError(t, err)

	rec, err := svc.HandleBillingEvent(ctx, BillingEvent{ID: "evt_failed", OrganizationID: orgID, Status: BillingPastDue, OccurredAt: start})
	require.NoError(t, err)
	assert.Equal(t, BillingActive, rec.BillingStatus)
	assert.Nil(t, rec.DelinquentSince)

	resp, err := svc.Verify(ctx, VerifyRequest{UserID: userID, DeviceID: "d1", AppVersion: "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resp.Status)
}

func TestService_HandleBillingEventValidation(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeClock{t: time.Now()})
	ctx := context.Background()

	_, err := svc.HandleBillingEvent(ctx, BillingEvent{Status: BillingActive})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.HandleBillingEvent(ctx, BillingEvent{OrganizationID: uuid.New(), Status: BillingStatus("paused")})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.HandleBillingEvent(ctx, BillingEvent{OrganizationID: uuid.New(), Status: BillingActive})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
