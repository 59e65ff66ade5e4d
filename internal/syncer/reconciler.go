package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/conflict"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EntryError reports why one change was not synced.
type EntryError struct {
	ChangeID  uuid.UUID `json:"change_id"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable,omitempty"`
}

// BatchResult aggregates the outcome of applying a batch of changes.
type BatchResult struct {
	Synced    int          `json:"synced"`
	Failed    int          `json:"failed"`
	Conflicts int          `json:"conflicts,omitempty"`
	Errors    []EntryError `json:"errors,omitempty"`
}

// Outcome describes how a single change was applied.
type Outcome struct {
	ChangeID uuid.UUID
	// Duplicate is set when the change had already been applied.
	Duplicate bool
	Conflict  *conflict.Conflict
	Strategy  conflict.Strategy
}

// Reconciler applies journal entries to the authoritative store.
type Reconciler struct {
	authority Authority
	policy    conflict.Policy
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(authority Authority, policy conflict.Policy, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		authority: authority,
		policy:    policy,
		metrics:   m,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// ApplyBatch applies each entry independently. A failure never stops the
// remaining entries.
func (r *Reconciler) ApplyBatch(ctx context.Context, orgID uuid.UUID, entries []*models.ChangeEntry) *BatchResult {
	result := &BatchResult{}
	for _, e := range entries {
		out, err := r.Apply(ctx, orgID, e)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, EntryError{
				ChangeID:  e.ID,
				Error:     apperr.Message(err),
				Retryable: apperr.IsRetryable(err),
			})
			continue
		}
		result.Synced++
		if out.Conflict != nil {
			result.Conflicts++
		}
	}
	return result
}

// Apply validates e against the allow-list and table schema, resolves any
// conflict with the authoritative record, and writes the result.
func (r *Reconciler) Apply(ctx context.Context, orgID uuid.UUID, e *models.ChangeEntry) (*Outcome, error) {
	if _, err := validateEntry(e); err != nil {
		r.logger.Warn().
			Err(err).
			Str("change_id", e.ID.String()).
			Str("table", e.TableName).
			Msg("rejected change")
		return nil, err
	}

	out := &Outcome{ChangeID: e.ID}

	// A replayed change is acknowledged before the record is read, so a
	// later delete or edit by another device cannot turn it into a failure.
	done, err := r.authority.Applied(ctx, orgID, e.ID)
	if err != nil {
		return nil, classifyStoreError(err, e)
	}
	if done {
		out.Duplicate = true
		r.logger.Debug().Str("change_id", e.ID.String()).Msg("change already applied")
		return out, nil
	}

	w := Write{
		ChangeID:       e.ID,
		OrganizationID: orgID,
		Table:          e.TableName,
		RecordID:       e.RecordID,
		Operation:      e.Operation,
	}

	switch e.Operation {
	case models.OperationInsert:
		w.Values = e.NewValues.WithoutMetadata()
	case models.OperationUpdate:
		if err := r.prepareUpdate(ctx, orgID, e, &w, out); err != nil {
			return nil, err
		}
	case models.OperationDelete:
	}

	applied, err := r.authority.Apply(ctx, w)
	if err != nil {
		return nil, classifyStoreError(err, e)
	}
	out.Duplicate = !applied

	r.logger.Debug().
		Str("change_id", e.ID.String()).
		Str("change", describe(e)).
		Bool("duplicate", out.Duplicate).
		Msg("change applied")

	return out, nil
}

// prepareUpdate merges the local edit over the authoritative record,
// resolving a conflict when the record moved past the edit's baseline.
func (r *Reconciler) prepareUpdate(ctx context.Context, orgID uuid.UUID, e *models.ChangeEntry, w *Write, out *Outcome) error {
	remote, err := r.authority.FetchRecord(ctx, orgID, e.TableName, e.RecordID)
	if err != nil {
		return classifyStoreError(err, e)
	}

	baseline, _ := e.Baseline()
	local := conflict.Version{Values: e.NewValues, Timestamp: e.CreatedAt}
	theirs := conflict.Version{Values: remote.Values, Timestamp: remote.UpdatedAt}

	values := remote.Values.WithoutMetadata()
	if c := conflict.Detect(e.TableName, e.RecordID, local, theirs, baseline); c != nil {
		tp := r.policy.For(e.TableName)
		resolved, err := conflict.Resolve(c, tp.Strategy, tp.Preferences)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "conflict resolution failed")
		}
		out.Conflict = c
		out.Strategy = tp.Strategy
		values = resolved

		r.metrics.RecordConflict(e.TableName, string(tp.Strategy))
		r.logger.Info().
			Str("change_id", e.ID.String()).
			Str("table", e.TableName).
			Str("record_id", e.RecordID).
			Strs("changed_fields", c.ChangedFields).
			Str("strategy", string(tp.Strategy)).
			Time("local_at", c.LocalVersion.Timestamp).
			Time("remote_at", c.RemoteVersion.Timestamp).
			Msg("conflict resolved")
	} else {
		for k, v := range e.NewValues.WithoutMetadata() {
			values[k] = v
		}
	}

	expected := remote.UpdatedAt
	w.Values = values
	w.ExpectedUpdatedAt = &expected
	return nil
}

func classifyStoreError(err error, e *models.ChangeEntry) error {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, fmt.Sprintf("%s %s not found", e.TableName, e.RecordID))
	case errors.Is(err, ErrStaleRecord):
		return apperr.Retryable(err, fmt.Sprintf("%s %s changed during sync", e.TableName, e.RecordID))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Retryable(err, "sync interrupted")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Retryable(err, "authoritative store unavailable")
}

// LocalApplier adapts a Reconciler to the Applier interface for an
// in-process authoritative store.
type LocalApplier struct {
	Reconciler     *Reconciler
	OrganizationID uuid.UUID
	Timeout        time.Duration
}

// ApplyChanges implements Applier.
func (a *LocalApplier) ApplyChanges(ctx context.Context, entries []*models.ChangeEntry) (*BatchResult, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	return a.Reconciler.ApplyBatch(ctx, a.OrganizationID, entries), nil
}
