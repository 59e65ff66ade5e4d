package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadySettled is returned when a reservation is committed or refunded twice.
var ErrAlreadySettled = errors.New("reservation already settled")

// Gate authorizes an action for an organization.
type Gate interface {
	Authorize(ctx context.Context, orgID uuid.UUID, action license.Action) error
}

// Config holds the abuse controls of a Ledger.
type Config struct {
	// MaxTokensPerRequest caps a single reservation.
	MaxTokensPerRequest int64
	// CallTimeout bounds the paid action run by Spend.
	CallTimeout time.Duration
	// BurnWindow and BurnThreshold cap consumption per organization and
	// token type over a trailing window. A zero threshold disables the check.
	BurnWindow    time.Duration
	BurnThreshold int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerRequest: 50,
		CallTimeout:         30 * time.Second,
		BurnWindow:          time.Hour,
		BurnThreshold:       500,
	}
}

// Request describes one metered call.
type Request struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	TokenType      models.TokenType
	Amount         int64
	// Endpoint keys the per-user rate limit and is recorded in the audit trail.
	Endpoint string
	// Action is checked against the license before reserving. Empty skips the check.
	Action license.Action
}

func (r Request) validate() error {
	if r.OrganizationID == uuid.Nil {
		return apperr.Validation("organization is required")
	}
	if r.TokenType == "" {
		return apperr.Validation("token type is required")
	}
	if r.Amount <= 0 {
		return apperr.Validation("amount must be positive, got %d", r.Amount)
	}
	return nil
}

// LedgerConfig holds the dependencies of a Ledger.
type LedgerConfig struct {
	Store   Store
	Gate    Gate
	Limiter ratelimit.Limiter
	Config  Config
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Ledger runs reservations through the permission gate, rate limit, request
// cap and burn-rate check before touching the balance.
type Ledger struct {
	store   Store
	gate    Gate
	limiter ratelimit.Limiter
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLedger creates a new Ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Config.CallTimeout <= 0 {
		cfg.Config.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Ledger{
		store:   cfg.Store,
		gate:    cfg.Gate,
		limiter: cfg.Limiter,
		cfg:     cfg.Config,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "token_ledger").Logger(),
		now:     time.Now,
	}
}

// Reserve provisionally deducts req.Amount. The caller must Commit or Refund
// the returned reservation. Every attempt is written to the audit trail.
func (l *Ledger) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if err := l.precheck(ctx, req); err != nil {
		l.deny(ctx, req, err)
		return nil, err
	}

	balance, err := l.store.Reserve(ctx, req.OrganizationID, req.TokenType, req.Amount)
	if err != nil {
		err = l.mapStoreError(req.TokenType, err)
		l.deny(ctx, req, err)
		return nil, err
	}

	res := &Reservation{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TokenType:      req.TokenType,
		Amount:         req.Amount,
		Endpoint:       req.Endpoint,
		BalanceAfter:   balance,
		ledger:         l,
	}
	l.audit(ctx, res.transaction(models.TokenTxReserve, balance, ""))
	l.metrics.RecordReservation(string(req.TokenType), "reserved")

	l.logger.Debug().
		Str("reservation_id", res.ID.String()).
		Str("organization_id", req.OrganizationID.String()).
		Str("token_type", string(req.TokenType)).
		Int64("amount", req.Amount).
		Int64("balance", balance).
		Msg("tokens reserved")

	return res, nil
}

func (l *Ledger) precheck(ctx context.Context, req Request) error {
	if req.Action != "" && l.gate != nil {
		if err := l.gate.Authorize(ctx, req.OrganizationID, req.Action); err != nil {
			return err
		}
	}

	if l.limiter != nil {
		d, err := l.limiter.Allow(ctx, ratelimit.Key(req.UserID, req.Endpoint))
		if err != nil {
			return apperr.Retryable(err, "rate limiter unavailable")
		}
		if !d.Allowed {
			l.metrics.RecordAbuse("rate_limit")
			return apperr.New(apperr.KindAbuse,
				fmt.Sprintf("Too many requests. Try again in %d seconds.", retrySeconds(d.RetryAfter)))
		}
	}

	if l.cfg.MaxTokensPerRequest > 0 && req.Amount > l.cfg.MaxTokensPerRequest {
		l.metrics.RecordAbuse("request_cap")
		return apperr.New(apperr.KindAbuse,
			fmt.Sprintf("A single request may use at most %d tokens.", l.cfg.MaxTokensPerRequest))
	}

	if l.cfg.BurnThreshold > 0 && l.cfg.BurnWindow > 0 {
		used, err := l.store.UsedSince(ctx, req.OrganizationID, req.TokenType, l.now().Add(-l.cfg.BurnWindow))
		if err != nil {
			return fmt.Errorf("burn rate: %w", err)
		}
		if used+req.Amount > l.cfg.BurnThreshold {
			l.metrics.RecordAbuse("burn_rate")
			l.logger.Warn().
				Str("organization_id", req.OrganizationID.String()).
				Str("token_type", string(req.TokenType)).
				Int64("used", used).
				Int64("threshold", l.cfg.BurnThreshold).
				Msg("burn rate threshold exceeded")
			return apperr.New(apperr.KindAbuse, "Unusually high usage detected. Please try again later.")
		}
	}
	return nil
}

func (l *Ledger) mapStoreError(tokenType models.TokenType, err error) error {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, fmt.Sprintf("No %s credits are set up for this organization.", tokenLabel(tokenType)))
	case errors.Is(err, ErrInsufficientBalance):
		return apperr.Wrap(apperr.KindInsufficient, err, fmt.Sprintf("You are out of %s credits. Upgrade your plan or buy more credits to continue.", tokenLabel(tokenType)))
	}
	return fmt.Errorf("reserve tokens: %w", err)
}

func (l *Ledger) deny(ctx context.Context, req Request, cause error) {
	kind := apperr.KindOf(cause)
	l.metrics.RecordReservation(string(req.TokenType), "denied_"+string(kind))
	l.audit(ctx, &models.TokenTransaction{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TokenType:      req.TokenType,
		Kind:           models.TokenTxDenied,
		Amount:         req.Amount,
		Endpoint:       req.Endpoint,
		Reason:         string(kind),
		CreatedAt:      l.now(),
	})
	l.logger.Info().
		Err(cause).
		Str("organization_id", req.OrganizationID.String()).
		Str("user_id", req.UserID.String()).
		Str("token_type", string(req.TokenType)).
		Str("endpoint", req.Endpoint).
		Int64("amount", req.Amount).
		Msg("token reservation denied")
}

// audit never fails the caller; the balance change already happened.
func (l *Ledger) audit(ctx context.Context, tx *models.TokenTransaction) {
	if err := l.store.RecordTransaction(context.WithoutCancel(ctx), tx); err != nil {
		l.logger.Error().Err(err).
			Str("kind", string(tx.Kind)).
			Str("organization_id", tx.OrganizationID.String()).
			Msg("failed to record token transaction")
	}
}

// Spend reserves tokens, runs fn under the configured timeout, and commits
// on success. Any error or timeout from fn refunds the reservation. Spend
// returns at the deadline even if fn ignores its context.
func (l *Ledger) Spend(ctx context.Context, req Request, fn func(ctx context.Context) error) (*Reservation, error) {
	res, err := l.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("paid action panicked: %v", p)
			}
		}()
		done <- fn(callCtx)
	}()

	var callErr error
	select {
	case callErr = <-done:
		if callErr == nil && callCtx.Err() != nil {
			callErr = callCtx.Err()
		}
	case <-callCtx.Done():
		callErr = callCtx.Err()
	}
	cancel()

	if callErr != nil {
		reason := callErr.Error()
		if errors.Is(callErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		if err := res.Refund(ctx, reason); err != nil {
			l.logger.Error().Err(err).Str("reservation_id", res.ID.String()).Msg("refund failed")
		}
		return res, callErr
	}

	if err := res.Commit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Balance returns the account for orgID and tokenType.
func (l *Ledger) Balance(ctx context.Context, orgID uuid.UUID, tokenType models.TokenType) (*models.TokenAccount, error) {
	acct, err := l.store.GetAccount(ctx, orgID, tokenType)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, apperr.NotFound("no %s account for organization", tokenType)
		}
		return nil, fmt.Errorf("get token account: %w", err)
	}
	return acct, nil
}

// Grant allocates amount tokens, creating the account if needed.
func (l *Ledger) Grant(ctx context.Context, orgID, actorID uuid.UUID, tokenType models.TokenType, amount int64, reason string) (*models.TokenAccount, error) {
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive, got %d", amount)
	}
	acct, err := l.store.Grant(ctx, orgID, tokenType, amount)
	if err != nil {
		return nil, fmt.Errorf("grant tokens: %w", err)
	}
	balance := acct.Balance
	l.audit(ctx, &models.TokenTransaction{
		ID:             uuid.New(),
		OrganizationID: orgID,
		UserID:         actorID,
		TokenType:      tokenType,
		Kind:           models.TokenTxGrant,
		Amount:         amount,
		BalanceAfter:   &balance,
		Reason:         reason,
		CreatedAt:      l.now(),
	})
	l.logger.Info().
		Str("organization_id", orgID.String()).
		Str("token_type", string(tokenType)).
		Int64("amount", amount).
		Int64("balance", balance).
		Msg("tokens granted")
	return acct, nil
}

// Reservation is a provisional deduction awaiting Commit or Refund.
type Reservation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	TokenType      models.TokenType
	Amount         int64
	Endpoint       string
	BalanceAfter   int64

	ledger  *Ledger
	mu      sync.Mutex
	settled bool
}

func (r *Reservation) settle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return ErrAlreadySettled
	}
	r.settled = true
	return nil
}

// Commit confirms the paid action happened.
func (r *Reservation) Commit(ctx context.Context) error {
	if err := r.settle(); err != nil {
		return err
	}
	r.ledger.audit(ctx, r.transaction(models.TokenTxCommit, r.BalanceAfter, ""))
	r.ledger.metrics.RecordReservation(string(r.TokenType), "committed")
	return nil
}

// Refund returns the reserved tokens. It runs even if ctx is canceled.
func (r *Reservation) Refund(ctx context.Context, reason string) error {
	if err := r.settle(); err != nil {
		return err
	}
	balance, err := r.ledger.store.Refund(context.WithoutCancel(ctx), r.OrganizationID, r.TokenType, r.Amount)
	if err != nil {
		return fmt.Errorf("refund tokens: %w", err)
	}
	r.BalanceAfter = balance
	r.ledger.audit(ctx, r.transaction(models.TokenTxRefund, balance, reason))
	r.ledger.metrics.RecordRefund(string(r.TokenType))
	r.ledger.logger.Info().
		Str("reservation_id", r.ID.String()).
		Str("reason", reason).
		Int64("amount", r.Amount).
		Msg("tokens refunded")
	return nil
}

func (r *Reservation) transaction(kind models.TokenTransactionKind, balance int64, reason string) *models.TokenTransaction {
	return &models.TokenTransaction{
		ID:             uuid.New(),
		ReservationID:  r.ID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID,
		TokenType:      r.TokenType,
		Kind:           kind,
		Amount:         r.Amount,
		BalanceAfter:   &balance,
		Endpoint:       r.Endpoint,
		Reason:         reason,
		CreatedAt:      r.ledger.now(),
	}
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func tokenLabel(t models.TokenType) string {
	switch t {
	case models.TokenTypeAICompletion:
		return "AI assistant"
	case models.TokenTypeDocumentScan:
		return "document scan"
	}
	return string(t)
}
