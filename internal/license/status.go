package license

import (
	"fmt"
	"time"
)

// Status is the coarse operational state derived from billing. It is never
// stored; it is recomputed on every check.
type Status int

const (
	StatusActive Status = iota
	StatusWarning
	StatusLimited
	StatusRestricted
)

// AllStatuses lists every status in degradation order.
func AllStatuses() []Status {
	return []Status{StatusActive, StatusWarning, StatusLimited, StatusRestricted}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusWarning:
		return "warning"
	case StatusLimited:
		return "limited"
	case StatusRestricted:
		return "restricted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus converts the wire form back into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses() {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown license status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(data []byte) error {
	st, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Grace period thresholds, in whole days elapsed since billing first failed.
const (
	// WarningDays is the last elapsed day still in the warning state.
	WarningDays = 7
	// LimitedDays is the last elapsed day still in the limited state.
	LimitedDays = 14
	// GracePeriodDays is the total grace window.
	GracePeriodDays = 15
)

// Evaluation is the derived license state at a point in time.
type Evaluation struct {
	Status         Status     `json:"status"`
	ElapsedDays    int        `json:"elapsed_days"`
	DaysRemaining  int        `json:"days_remaining"`
	GraceExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Evaluate derives the license status from billing inputs. It is a pure
// function; payment success always yields StatusActive.
func Evaluate(billing BillingStatus, delinquentSince *time.Time, now time.Time) Evaluation {
	if billing.IsPaid() || delinquentSince == nil {
		return Evaluation{Status: StatusActive}
	}

	elapsed := now.Sub(*delinquentSince)
	if elapsed < 0 {
		elapsed = 0
	}
	days := int(elapsed / (24 * time.Hour))

	expires := delinquentSince.Add(GracePeriodDays * 24 * time.Hour)
	remaining := GracePeriodDays - days
	if remaining < 0 {
		remaining = 0
	}

	var status Status
	switch {
	case days <= WarningDays:
		status = StatusWarning
	case days <= LimitedDays:
		status = StatusLimited
	default:
		status = StatusRestricted
	}

	return Evaluation{
		Status:         status,
		ElapsedDays:    days,
		DaysRemaining:  remaining,
		GraceExpiresAt: &expires,
	}
}
