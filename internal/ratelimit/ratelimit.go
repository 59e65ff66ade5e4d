// Package ratelimit implements sliding-window limits keyed by caller and
// endpoint. A Redis backend shares windows across server instances; the
// memory backend serves single-process deployments and tests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether one more call under key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Rate is a number of calls allowed per sliding window.
type Rate struct {
	Limit  int
	Window time.Duration
}

// Validate checks the rate is usable.
func (r Rate) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", r.Window)
	}
	return nil
}

// Key builds the limiter key for a user calling endpoint.
func Key(userID uuid.UUID, endpoint string) string {
	return "user:" + userID.String() + ":" + endpoint
}
