package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BatchApplier applies a device's journal entries to the authoritative store.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, orgID uuid.UUID, entries []*models.ChangeEntry) *syncer.BatchResult
}

// Authorizer is the permission gate consulted before an action.
type Authorizer interface {
	Authorize(ctx context.Context, orgID uuid.UUID, action license.Action) error
}

// SyncHandler accepts journal batches from devices.
type SyncHandler struct {
	applier  BatchApplier
	gate     Authorizer
	maxBatch int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewSyncHandler creates a new SyncHandler. Batches larger than maxBatch
// are rejected.
func NewSyncHandler(applier BatchApplier, gate Authorizer, maxBatch int, m *metrics.Metrics, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		applier:  applier,
		gate:     gate,
		maxBatch: maxBatch,
		metrics:  m,
		logger:   logger.With().Str("component", "sync_handler").Logger(),
	}
}

// RegisterRoutes registers sync routes on an authenticated group.
func (h *SyncHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sync", h.Sync)
}

// Sync applies a batch of changes. Per-entry failures are reported in the
// body of a 200 response.
// POST /api/v1/sync
func (h *SyncHandler) Sync(c *gin.Context) {
	principal := middleware.RequirePrincipal(c)
	if principal == nil {
		return
	}

	var req syncer.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, invalidBody(err))
		return
	}
	if len(req.Changes) > h.maxBatch {
		respondError(c, h.logger, apperr.Validation("batch of %d changes exceeds limit of %d", len(req.Changes), h.maxBatch))
		return
	}
	for i, e := range req.Changes {
		if e == nil {
			respondError(c, h.logger, apperr.Validation("change %d is null", i))
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.gate.Authorize(ctx, principal.OrganizationID, license.ActionSync); err != nil {
		respondError(c, h.logger, err)
		return
	}

	start := time.Now()
	result := h.applier.ApplyBatch(ctx, principal.OrganizationID, req.Changes)
	elapsed := time.Since(start)
	h.metrics.ObserveSyncBatch(elapsed)

	h.logger.Info().
		Str("organization_id", principal.OrganizationID.String()).
		Str("user_id", principal.UserID.String()).
		Int("received", len(req.Changes)).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("conflicts", result.Conflicts).
		Dur("duration", elapsed).
		Msg("applied sync batch")

	c.JSON(http.StatusOK, syncer.SyncResponse{Success: result.Failed == 0, BatchResult: *result})
}
