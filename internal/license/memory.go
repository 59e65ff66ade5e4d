package license

import (
	"context"
	"sync"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	byOrg     map[uuid.UUID]*Record
	userOrg   map[uuid.UUID]uuid.UUID
	devices   map[string]models.Device
	deviceErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrg:   make(map[uuid.UUID]*Record),
		userOrg: make(map[uuid.UUID]uuid.UUID),
		devices: make(map[string]models.Device),
	}
}

// Add stores rec and makes it the license of userID.
func (m *MemoryStore) Add(userID uuid.UUID, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byOrg[rec.OrganizationID] = rec
	m.userOrg[userID] = rec.OrganizationID
}

// GetLicenseByUser implements Store.
func (m *MemoryStore) GetLicenseByUser(_ context.Context, userID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.userOrg[userID]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	cp := *m.byOrg[org]
	return &cp, nil
}

// GetLicenseByOrganization implements Store.
func (m *MemoryStore) GetLicenseByOrganization(_ context.Context, orgID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byOrg[orgID]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateBilling implements Store.
func (m *MemoryStore) UpdateBilling(_ context.Context, orgID uuid.UUID, mutate func(*Record) bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byOrg[orgID]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	mutate(rec)
	cp := *rec
	return &cp, nil
}

// UpsertDevice implements Store.
func (m *MemoryStore) UpsertDevice(_ context.Context, d *models.Device) error {
	if m.deviceErr != nil {
		return m.deviceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.LicenseID.String()+"/"+d.DeviceID] = *d
	return nil
}

// Devices returns the recorded devices.
func (m *MemoryStore) Devices() []models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}
