package license

import (
	"time"

	"github.com/google/uuid"
)

// BillingEvent is a normalized subscription update from the payment provider.
type BillingEvent struct {
	ID               string        `json:"id"`
	OrganizationID   uuid.UUID     `json:"organization_id"`
	Status           BillingStatus `json:"status"`
	Plan             Plan          `json:"plan,omitempty"`
	OccurredAt       time.Time     `json:"occurred_at"`
	CurrentPeriodEnd *time.Time    `json:"current_period_end,omitempty"`
}

// IsStale reports whether ev predates the newest billing event already
// applied to r. Providers deliver webhooks out of order.
func (r *Record) IsStale(ev BillingEvent) bool {
	return r.LastBillingEventAt != nil && ev.OccurredAt.Before(*r.LastBillingEventAt)
}

// ApplyBilling records a billing status change on r. Stale events are
// ignored. The delinquency timestamp is set on the first failure only and
// cleared on payment, so repeated failure events never restart the grace
// countdown. It returns true if the record changed.
func (r *Record) ApplyBilling(ev BillingEvent) bool {
	if r.IsStale(ev) {
		return false
	}

	changed := false
	if r.LastBillingEventAt == nil || ev.OccurredAt.After(*r.LastBillingEventAt) {
		at := ev.OccurredAt.UTC()
		r.LastBillingEventAt = &at
		changed = true
	}

	if r.BillingStatus != ev.Status {
		r.BillingStatus = ev.Status
		changed = true
	}
	if ev.Plan != "" && ev.Plan.IsValid() && r.Plan != ev.Plan {
		r.Plan = ev.Plan
		changed = true
	}
	if ev.CurrentPeriodEnd != nil {
		end := *ev.CurrentPeriodEnd
		r.CurrentPeriodEnd = &end
		changed = true
	}

	if ev.Status.IsPaid() {
		if r.DelinquentSince != nil {
			r.DelinquentSince = nil
			changed = true
		}
		return changed
	}

	if r.DelinquentSince == nil {
		at := ev.OccurredAt.UTC()
		r.DelinquentSince = &at
		changed = true
	}
	return changed
}
