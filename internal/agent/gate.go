package agent

import (
	"context"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/rs/zerolog"
)

// Verifier fetches the license snapshot for this device.
type Verifier interface {
	VerifyLicense(ctx context.Context, req *license.VerifyRequest) (*license.VerifyResponse, error)
}

// LicenseGate decides whether the device may sync from the server's
// license snapshot. The last successful snapshot is reused while the server
// is unreachable so offline devices keep their last known permissions.
type LicenseGate struct {
	verifier Verifier
	request  license.VerifyRequest
	maxAge   time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	last       *license.VerifyResponse
	verifiedAt time.Time
}

// NewLicenseGate creates a gate that re-verifies at most once per maxAge.
func NewLicenseGate(verifier Verifier, req license.VerifyRequest, maxAge time.Duration, logger zerolog.Logger) *LicenseGate {
	return &LicenseGate{
		verifier: verifier,
		request:  req,
		maxAge:   maxAge,
		logger:   logger.With().Str("component", "license_gate").Logger(),
		now:      time.Now,
	}
}

// Snapshot returns the current license snapshot, refreshing it when stale.
func (g *LicenseGate) Snapshot(ctx context.Context) (*license.VerifyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last != nil && g.now().Sub(g.verifiedAt) < g.maxAge {
		return g.last, nil
	}

	req := g.request
	resp, err := g.verifier.VerifyLicense(ctx, &req)
	if err != nil {
		if apperr.IsRetryable(err) && g.last != nil {
			g.logger.Debug().Err(err).Msg("license verification unavailable, using cached snapshot")
			return g.last, nil
		}
		return nil, err
	}

	if resp.UpdateRequired {
		g.logger.Warn().
			Str("app_version", req.AppVersion).
			Str("min_required", resp.MinRequiredAppVersion).
			Msg("app update required")
	}
	g.last = resp
	g.verifiedAt = g.now()
	return resp, nil
}

// CanSync implements syncer.Gate. An unreachable server with no cached
// snapshot is not a denial; the sync attempt itself will report it.
func (g *LicenseGate) CanSync(ctx context.Context) error {
	snap, err := g.Snapshot(ctx)
	if err != nil {
		if apperr.IsRetryable(err) {
			return nil
		}
		return err
	}
	if !snap.SyncEnabled {
		return apperr.Forbidden(license.BlockReason(snap.Status, snap.Plan, license.ActionSync))
	}
	return nil
}
