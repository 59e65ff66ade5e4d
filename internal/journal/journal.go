// Package journal provides the device-local change journal: an append-only
// outbox of mutations made while the authoritative store is unreachable.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

// Errors
var (
	// ErrEntryNotFound is returned when a change entry does not exist.
	ErrEntryNotFound = errors.New("change entry not found")
	// ErrInvalidEntry is returned when a mutation violates the entry shape invariants.
	ErrInvalidEntry = errors.New("invalid change entry")
)

// DefaultPageSize is used by ListPending when pageSize is not positive.
const DefaultPageSize = 50

// Mutation is a local write to be journaled. ID may be set by the caller to
// make enqueueing idempotent; otherwise one is generated.
type Mutation struct {
	ID          uuid.UUID
	TableName   string
	Operation   models.Operation
	RecordID    string
	PriorValues models.Values
	NewValues   models.Values
}

// Status summarizes the journal for display.
type Status struct {
	TotalEntries    int        `json:"total_entries"`
	PendingCount    int        `json:"pending_count"`
	SyncedCount     int        `json:"synced_count"`
	FailedCount     int        `json:"failed_count"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSuccessSync *time.Time `json:"last_success_sync,omitempty"`
	ServerReachable bool       `json:"server_reachable"`
}

// Store is the persistence contract for the change journal.
type Store interface {
	// Enqueue appends a pending entry. Re-enqueueing an existing ID returns the stored entry.
	Enqueue(ctx context.Context, m Mutation) (*models.ChangeEntry, error)
	// Get retrieves an entry by ID.
	Get(ctx context.Context, id uuid.UUID) (*models.ChangeEntry, error)
	// ListPending returns up to pageSize pending entries with Seq greater than
	// cursor, in insertion order.
	ListPending(ctx context.Context, cursor int64, pageSize int) ([]*models.ChangeEntry, error)
	// MarkSynced moves a pending entry to synced. No-op for terminal entries.
	MarkSynced(ctx context.Context, id uuid.UUID) error
	// MarkFailed moves a pending entry to failed. No-op for terminal entries.
	MarkFailed(ctx context.Context, id uuid.UUID, syncErr string) error
	// RecordRetry notes a transient failure on a pending entry, leaving it pending.
	RecordRetry(ctx context.Context, id uuid.UUID, syncErr string) (int, error)
	// Status returns aggregate counts.
	Status(ctx context.Context) (*Status, error)
	// Close releases the store.
	Close() error
}
