package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const SignatureHeader = "X-Gearbase-Signature"

// Billing event types sent by the payment provider.
const (
	BillingPaymentSucceeded    = "payment_succeeded"
	BillingPaymentFailed       = "payment_failed"
	BillingSubscriptionUpdated = "subscription_updated"
)

// BillingEventProcessor applies normalized billing events.
type BillingEventProcessor interface {
	HandleBillingEvent(ctx context.Context, ev license.BillingEvent) (*license.Record, error)
}

// BillingWebhook is the payment provider's event payload.
type BillingWebhook struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	OrganizationID     uuid.UUID  `json:"organization_id"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	Plan               string     `json:"plan,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

// Normalize maps the webhook onto a billing status change.
func (w BillingWebhook) Normalize() (license.BillingEvent, error) {
	ev := license.BillingEvent{
		ID:               w.ID,
		OrganizationID:   w.OrganizationID,
		Plan:             license.Plan(w.Plan),
		OccurredAt:       w.OccurredAt,
		CurrentPeriodEnd: w.CurrentPeriodEnd,
	}
	switch w.Type {
	case BillingPaymentSucceeded:
		ev.Status = license.BillingActive
	case BillingPaymentFailed:
		ev.Status = license.BillingPastDue
	case BillingSubscriptionUpdated:
		ev.Status = license.BillingStatus(w.SubscriptionStatus)
		if !ev.Status.IsValid() {
			return ev, apperr.Validation("unknown subscription_status %q", w.SubscriptionStatus)
		}
	default:
		return ev, apperr.Validation("unknown event type %q", w.Type)
	}
	if w.Plan != "" && !ev.Plan.IsValid() {
		return ev, apperr.Validation("unknown plan %q", w.Plan)
	}
	return ev, nil
}

// BillingHandler receives signed payment provider webhooks.
type BillingHandler struct {
	processor BillingEventProcessor
	secret    []byte
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(processor BillingEventProcessor, secret string, m *metrics.Metrics, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		processor: processor,
		secret:    []byte(secret),
		metrics:   m,
		logger:    logger.With().Str("component", "billing_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the webhook route. It authenticates by
// signature rather than API key.
func (h *BillingHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.POST("/api/v1/billing/events", h.Event)
}

// Event applies a billing event.
// POST /api/v1/billing/events
func (h *BillingHandler) Event(c *gin.Context) {
	if len(h.secret) == 0 {
		h.logger.Error().Msg("BILLING_WEBHOOK_SECRET is not set, rejecting billing event")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "billing webhooks are not configured"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, h.logger, invalidBody(err))
		return
	}
	if !VerifySignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		h.logger.Warn().Str("client_ip", c.ClientIP()).Msg("billing event with invalid signature")
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature", Kind: apperr.KindAuth})
		return
	}

	var hook BillingWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		respondError(c, h.logger, apperr.Validation("invalid event body: %v", err))
		return
	}
	ev, err := hook.Normalize()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	rec, err := h.processor.HandleBillingEvent(c.Request.Context(), ev)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.metrics.RecordBillingEvent(string(ev.Status))

	eval := rec.Evaluate(time.Now())
	c.JSON(http.StatusOK, gin.H{
		"license_id":     rec.ID,
		"billing_status": rec.BillingStatus,
		"status":         eval.Status,
		"days_remaining": eval.DaysRemaining,
	})
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature of body.
func VerifySignature(secret, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
