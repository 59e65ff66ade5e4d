package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation carried by a change entry.
type Operation string

const (
	// OperationInsert creates a record.
	OperationInsert Operation = "INSERT"
	// OperationUpdate modifies fields of an existing record.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete removes a record.
	OperationDelete Operation = "DELETE"
)

// IsValid checks if the operation is a recognized value.
func (o Operation) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// SyncStatus is the upload state of a change entry.
type SyncStatus string

const (
	// SyncStatusPending indicates the entry has not been confirmed by the authoritative store.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced indicates the entry was applied upstream.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusFailed indicates the entry was rejected and will not be retried.
	SyncStatusFailed SyncStatus = "failed"
)

// IsTerminal returns true for statuses that are never transitioned out of.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusSynced || s == SyncStatusFailed
}

// ChangeEntry is a locally journaled mutation awaiting reconciliation.
type ChangeEntry struct {
	ID          uuid.UUID  `json:"id"`
	TableName   string     `json:"table_name"`
	Operation   Operation  `json:"operation"`
	RecordID    string     `json:"record_id"`
	PriorValues Values     `json:"prior_values,omitempty"`
	NewValues   Values     `json:"new_values,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SyncStatus  SyncStatus `json:"sync_status"`
	SyncError   string     `json:"sync_error,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`

	// Seq is the journal insertion sequence, used as a paging cursor.
	Seq int64 `json:"-"`
}

// Validate checks the shape invariants of a change entry. It does not check
// the table allow-list; that happens at reconciliation time.
func (e *ChangeEntry) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("change id is required")
	}
	if e.TableName == "" {
		return errors.New("table name is required")
	}
	if !e.Operation.IsValid() {
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.RecordID == "" {
		return errors.New("record id is required")
	}
	if (e.Operation == OperationInsert || e.Operation == OperationUpdate) && e.NewValues == nil {
		return fmt.Errorf("%s requires new values", e.Operation)
	}
	return nil
}

// Baseline returns the last-modified timestamp the local edit was based on,
// taken from the prior snapshot. It is only meaningful for updates.
func (e *ChangeEntry) Baseline() (time.Time, bool) {
	if e.PriorValues == nil {
		return time.Time{}, false
	}
	return e.PriorValues.UpdatedAt()
}
