package handlers

import (
	"context"
	"net/http"

	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseVerifier evaluates a device's license.
type LicenseVerifier interface {
	Verify(ctx context.Context, req license.VerifyRequest) (*license.VerifyResponse, error)
}

// LicenseHandler serves device license checks.
type LicenseHandler struct {
	service LicenseVerifier
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewLicenseHandler creates a new LicenseHandler.
func NewLicenseHandler(service LicenseVerifier, m *metrics.Metrics, logger zerolog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		metrics: m,
		logger:  logger.With().Str("component", "license_handler").Logger(),
	}
}

// RegisterRoutes registers license routes on an authenticated group.
func (h *LicenseHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/license/verify", h.Verify)
}

// Verify returns the caller's license status, grace countdown and feature
// flags, and records the device.
// POST /api/v1/license/verify
func (h *LicenseHandler) Verify(c *gin.Context) {
	principal := middleware.RequirePrincipal(c)
	if principal == nil {
		return
	}

	var req license.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, invalidBody(err))
		return
	}
	req.UserID = principal.UserID

	resp, err := h.service.Verify(c.Request.Context(), req)
	if err != nil {
		// A caller without a license is denied rather than told it is missing.
		if apperr.Is(err, apperr.KindNotFound) {
			err = apperr.Forbidden(apperr.Message(err))
		}
		respondError(c, h.logger, err)
		return
	}
	h.metrics.RecordLicenseCheck(resp.Status.String())

	c.JSON(http.StatusOK, resp)
}
