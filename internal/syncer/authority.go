package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound indicates the business record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrStaleRecord indicates the record changed between read and write.
	ErrStaleRecord = errors.New("record modified concurrently")
)

// Record is the authoritative state of a business record.
type Record struct {
	Values    models.Values
	UpdatedAt time.Time
}

// Write is one mutation applied to the authoritative store.
type Write struct {
	ChangeID       uuid.UUID
	OrganizationID uuid.UUID
	Table          string
	RecordID       string
	Operation      models.Operation
	Values         models.Values
	// ExpectedUpdatedAt makes the write conditional on the record's current
	// timestamp. Nil writes unconditionally.
	ExpectedUpdatedAt *time.Time
}

// Authority is the authoritative business-record store.
type Authority interface {
	// FetchRecord returns the current record or ErrRecordNotFound.
	FetchRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) (*Record, error)
	// Applied reports whether changeID was already applied for orgID.
	Applied(ctx context.Context, orgID, changeID uuid.UUID) (bool, error)
	// Apply performs w at most once per ChangeID. It returns false without
	// writing if the change was already applied, and ErrStaleRecord if
	// ExpectedUpdatedAt no longer matches.
	Apply(ctx context.Context, w Write) (bool, error)
}
