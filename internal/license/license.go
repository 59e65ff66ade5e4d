// Package license derives an organization's operational status from billing
// signals and gates actions on that status.
package license

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLicenseNotFound indicates no license exists for the user or organization.
var ErrLicenseNotFound = errors.New("license not found")

// BillingStatus is the raw subscription state reported by the payment provider.
type BillingStatus string

const (
	BillingActive     BillingStatus = "active"
	BillingTrialing   BillingStatus = "trialing"
	BillingPastDue    BillingStatus = "past_due"
	BillingUnpaid     BillingStatus = "unpaid"
	BillingIncomplete BillingStatus = "incomplete"
	BillingCanceled   BillingStatus = "canceled"
)

// IsPaid returns true when the subscription is in good standing.
func (b BillingStatus) IsPaid() bool {
	return b == BillingActive || b == BillingTrialing
}

// IsValid checks if the billing status is a recognized value.
func (b BillingStatus) IsValid() bool {
	switch b {
	case BillingActive, BillingTrialing, BillingPastDue, BillingUnpaid, BillingIncomplete, BillingCanceled:
		return true
	}
	return false
}

// Record is the stored license of an organization.
type Record struct {
	ID               uuid.UUID     `json:"license_id"`
	OrganizationID   uuid.UUID     `json:"organization_id"`
	Plan             Plan          `json:"plan"`
	BillingStatus    BillingStatus `json:"billing_status"`
	DelinquentSince  *time.Time    `json:"delinquent_since,omitempty"`
	CurrentPeriodEnd *time.Time    `json:"current_period_end,omitempty"`
	// LastBillingEventAt is the OccurredAt of the newest applied billing event.
	LastBillingEventAt *time.Time `json:"last_billing_event_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Evaluate computes the record's status at now.
func (r *Record) Evaluate(now time.Time) Evaluation {
	return Evaluate(r.BillingStatus, r.DelinquentSince, now)
}

// Permissions returns the permission view of the record at now.
func (r *Record) Permissions(now time.Time) Permissions {
	return Permissions{Plan: r.Plan, Status: r.Evaluate(now).Status}
}
