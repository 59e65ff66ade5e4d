package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/assist"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TokenSpender reserves tokens around a metered call.
type TokenSpender interface {
	Spend(ctx context.Context, req tokens.Request, fn func(ctx context.Context) error) (*tokens.Reservation, error)
}

// AssistRequest is a metered AI call.
type AssistRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Tokens int64  `json:"tokens" binding:"required,gt=0"`
}

// AssistResponse is the upstream result with the remaining balance.
type AssistResponse struct {
	Text    string `json:"text"`
	Charged int64  `json:"charged"`
	Balance int64  `json:"balance"`
}

// actionFor is the licensed action a token type is spent on.
func actionFor(tt models.TokenType) license.Action {
	if tt == models.TokenTypeDocumentScan {
		return license.ActionAddInventory
	}
	return license.ActionCreateJob
}

// AssistHandler serves metered AI calls.
type AssistHandler struct {
	ledger    TokenSpender
	completer assist.Completer
	logger    zerolog.Logger
}

// NewAssistHandler creates a new AssistHandler.
func NewAssistHandler(ledger TokenSpender, completer assist.Completer, logger zerolog.Logger) *AssistHandler {
	return &AssistHandler{
		ledger:    ledger,
		completer: completer,
		logger:    logger.With().Str("component", "assist_handler").Logger(),
	}
}

// RegisterRoutes registers assist routes on an authenticated group.
func (h *AssistHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assist/:type", h.Assist)
}

// Assist reserves tokens, calls the upstream service and commits, or
// refunds if the call fails or times out.
// POST /api/v1/assist/:type
func (h *AssistHandler) Assist(c *gin.Context) {
	principal := middleware.RequirePrincipal(c)
	if principal == nil {
		return
	}
	tt, err := tokenTypeParam(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var req AssistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, invalidBody(err))
		return
	}

	var text string
	res, err := h.ledger.Spend(c.Request.Context(), tokens.Request{
		OrganizationID: principal.OrganizationID,
		UserID:         principal.UserID,
		TokenType:      tt,
		Amount:         req.Tokens,
		Endpoint:       c.FullPath(),
		Action:         actionFor(tt),
	}, func(ctx context.Context) error {
		var callErr error
		text, callErr = h.completer.Complete(ctx, tt, req.Prompt)
		return callErr
	})
	if err != nil {
		if res == nil {
			respondError(c, h.logger, err)
			return
		}
		// The reservation was refunded.
		msg := "AI service unavailable; tokens were refunded"
		if errors.Is(err, assist.ErrNotConfigured) {
			msg = "AI service is not configured; tokens were refunded"
		}
		respondError(c, h.logger, apperr.Retryable(err, msg))
		return
	}

	c.JSON(http.StatusOK, AssistResponse{Text: text, Charged: res.Amount, Balance: res.BalanceAfter})
}
