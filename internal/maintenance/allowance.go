// Package maintenance runs periodic server-side jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// AllowanceStore defines the data access needed to grant plan allowances.
type AllowanceStore interface {
	ListLicenses(ctx context.Context) ([]*license.Record, error)
	// GrantAllowance credits amount for the period unless that period was
	// already granted. It reports whether a grant happened.
	GrantAllowance(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType, period time.Time, amount int64) (bool, error)
}

// AllowanceScheduler grants each organization its plan's monthly token
// allowance on the first day of the month.
type AllowanceScheduler struct {
	store   AllowanceStore
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

// NewAllowanceScheduler creates a new allowance scheduler.
func NewAllowanceScheduler(store AllowanceStore, logger zerolog.Logger) *AllowanceScheduler {
	return &AllowanceScheduler{
		store:  store,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger.With().Str("component", "allowance").Logger(),
		now:    time.Now,
	}
}

// Start schedules the grant at 00:05 UTC on the first of each month and runs
// one catch-up pass for the current period.
func (s *AllowanceScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("allowance scheduler already running")
	}

	_, err := s.cron.AddFunc("5 0 1 * *", func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("allowance grant failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Msg("allowance scheduler started (monthly at 00:05 UTC)")

	go func() {
		if _, err := s.RunNow(ctx); err != nil {
			s.logger.Error().Err(err).Msg("allowance catch-up failed")
		}
	}()
	return nil
}

// Stop stops the scheduler. The returned context is done when running jobs finish.
func (s *AllowanceScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping allowance scheduler")
	return s.cron.Stop()
}

// Period returns the first instant of t's month in UTC.
func Period(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RunNow grants the current period's allowances and returns how many
// accounts were credited. Organizations whose license blocks metered
// actions are skipped until billing recovers.
func (s *AllowanceScheduler) RunNow(ctx context.Context) (int, error) {
	now := s.now()
	period := Period(now)

	records, err := s.store.ListLicenses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list licenses: %w", err)
	}

	granted, failed := 0, 0
	for _, rec := range records {
		if rec.Evaluate(now).Status == license.StatusRestricted {
			continue
		}
		for _, tt := range []models.TokenType{models.TokenTypeAICompletion, models.TokenTypeDocumentScan} {
			amount := license.TokenAllowance(rec.Plan, tt)
			if amount <= 0 {
				continue
			}
			ok, err := s.store.GrantAllowance(ctx, rec.OrganizationID, tt, period, amount)
			if err != nil {
				failed++
				s.logger.Error().
					Err(err).
					Str("organization_id", rec.OrganizationID.String()).
					Str("token_type", string(tt)).
					Msg("failed to grant allowance")
				continue
			}
			if ok {
				granted++
			}
		}
	}

	s.logger.Info().
		Str("period", period.Format("2006-01")).
		Int("licenses", len(records)).
		Int("granted", granted).
		Int("failed", failed).
		Msg("allowance pass completed")
	return granted, nil
}
