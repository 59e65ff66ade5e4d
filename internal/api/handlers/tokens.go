package handlers

import (
	"context"
	"net/http"

	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenLedger is the subset of the token ledger exposed over HTTP.
type TokenLedger interface {
	Balance(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType) (*models.TokenAccount, error)
	Grant(ctx context.Context, orgID, actorID uuid.UUID, tokenType models.TokenType, amount int64, reason string) (*models.TokenAccount, error)
}

// GrantRequest allocates credits to the caller's organization.
type GrantRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason"`
}

// TokensHandler serves token balances and allocations.
type TokensHandler struct {
	ledger TokenLedger
	logger zerolog.Logger
}

// NewTokensHandler creates a new TokensHandler.
func NewTokensHandler(ledger TokenLedger, logger zerolog.Logger) *TokensHandler {
	return &TokensHandler{
		ledger: ledger,
		logger: logger.With().Str("component", "tokens_handler").Logger(),
	}
}

// RegisterRoutes registers token routes on an authenticated group.
func (h *TokensHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tokens/:type", h.Balance)
	r.POST("/tokens/:type/grant", middleware.RequireAdmin(), h.Grant)
}

func tokenTypeParam(c *gin.Context) (models.TokenType, error) {
	tt := models.TokenType(c.Param("type"))
	if !tt.IsValid() {
		return "", apperr.Validation("unknown token type %q", tt)
	}
	return tt, nil
}

// Balance returns the organization's account for a token type.
// GET /api/v1/tokens/:type
func (h *TokensHandler) Balance(c *gin.Context) {
	principal := middleware.RequirePrincipal(c)
	if principal == nil {
		return
	}
	tt, err := tokenTypeParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	acct, err := h.ledger.Balance(c.Request.Context(), principal.OrganizationID, tt)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// Grant allocates credits. Admin only.
// POST /api/v1/tokens/:type/grant
func (h *TokensHandler) Grant(c *gin.Context) {
	principal := middleware.RequirePrincipal(c)
	if principal == nil {
		return
	}
	tt, err := tokenTypeParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, invalidBody(err))
		return
	}

	acct, err := h.ledger.Grant(c.Request.Context(), principal.OrganizationID, principal.UserID, tt, req.Amount, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}
