package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

type recordKey struct {
	org      uuid.UUID
	table    string
	recordID string
}

// MemoryAuthority is an in-process Authority for tests and local development.
type MemoryAuthority struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	applied map[uuid.UUID]bool
	now     func() time.Time
}

// NewMemoryAuthority creates an empty MemoryAuthority.
func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{
		records: make(map[recordKey]*Record),
		applied: make(map[uuid.UUID]bool),
		now:     time.Now,
	}
}

// Put stores a record directly, bypassing change tracking.
func (m *MemoryAuthority) Put(orgID uuid.UUID, table, recordID string, values models.Values, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey{orgID, table, recordID}] = &Record{Values: values.Clone(), UpdatedAt: updatedAt}
}

// FetchRecord implements Authority.
func (m *MemoryAuthority) FetchRecord(_ context.Context, orgID uuid.UUID, table, recordID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey{orgID, table, recordID}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &Record{Values: rec.Values.Clone(), UpdatedAt: rec.UpdatedAt}, nil
}

// Applied implements Authority.
func (m *MemoryAuthority) Applied(_ context.Context, _ uuid.UUID, changeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[changeID], nil
}

// Apply implements Authority.
func (m *MemoryAuthority) Apply(_ context.Context, w Write) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[w.ChangeID] {
		return false, nil
	}

	key := recordKey{w.OrganizationID, w.Table, w.RecordID}
	current, exists := m.records[key]

	switch w.Operation {
	case models.OperationInsert:
		m.records[key] = &Record{Values: w.Values.Clone(), UpdatedAt: m.now()}
	case models.OperationUpdate:
		if !exists {
			return false, ErrRecordNotFound
		}
		if w.ExpectedUpdatedAt != nil && !current.UpdatedAt.Equal(*w.ExpectedUpdatedAt) {
			return false, ErrStaleRecord
		}
		m.records[key] = &Record{Values: w.Values.Clone(), UpdatedAt: m.now()}
	case models.OperationDelete:
		delete(m.records, key)
	}

	m.applied[w.ChangeID] = true
	return true, nil
}
