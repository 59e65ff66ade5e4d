package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `l.id, l.organization_id, l.plan, l.billing_status, l.delinquent_since,
	l.current_period_end, l.last_billing_event_at, l.created_at, l.updated_at`

func scanLicense(row pgx.Row) (*license.Record, error) {
	var rec license.Record
	var plan, billing string
	err := row.Scan(&rec.ID, &rec.OrganizationID, &plan, &billing, &rec.DelinquentSince,
		&rec.CurrentPeriodEnd, &rec.LastBillingEventAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, err
	}
	rec.Plan = license.Plan(plan)
	rec.BillingStatus = license.BillingStatus(billing)
	return &rec, nil
}

// CreateLicense inserts a license for an organization.
func (db *DB) CreateLicense(ctx context.Context, rec *license.Record) error {
	now := time.Now()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO licenses (id, organization_id, plan, billing_status, delinquent_since,
			current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.OrganizationID, string(rec.Plan), string(rec.BillingStatus),
		rec.DelinquentSince, rec.CurrentPeriodEnd, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByUser returns the license of the user's organization.
func (db *DB) GetLicenseByUser(ctx context.Context, userID uuid.UUID) (*license.Record, error) {
	rec, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses l
		JOIN users u ON u.organization_id = l.organization_id
		WHERE u.id = $1
	`, userID))
	if err != nil && !errors.Is(err, license.ErrLicenseNotFound) {
		return nil, fmt.Errorf("get license by user: %w", err)
	}
	return rec, err
}

// GetLicenseByOrganization returns the organization's license.
func (db *DB) GetLicenseByOrganization(ctx context.Context, orgID uuid.UUID) (*license.Record, error) {
	rec, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses l
		WHERE l.organization_id = $1
	`, orgID))
	if err != nil && !errors.Is(err, license.ErrLicenseNotFound) {
		return nil, fmt.Errorf("get license by organization: %w", err)
	}
	return rec, err
}

// UpdateBilling locks the organization's license row, applies mutate and
// writes the result back when mutate reports a change.
func (db *DB) UpdateBilling(ctx context.Context, orgID uuid.UUID, mutate func(*license.Record) bool) (*license.Record, error) {
	var out *license.Record
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		rec, err := scanLicense(tx.QueryRow(ctx, `
			SELECT `+licenseColumns+`
			FROM licenses l
			WHERE l.organization_id = $1
			FOR UPDATE
		`, orgID))
		if err != nil {
			return err
		}
		out = rec
		if !mutate(rec) {
			return nil
		}
		rec.UpdatedAt = time.Now()
		_, err = tx.Exec(ctx, `
			UPDATE licenses
			SET plan = $2, billing_status = $3, delinquent_since = $4,
				current_period_end = $5, last_billing_event_at = $6, updated_at = $7
			WHERE id = $1
		`, rec.ID, string(rec.Plan), string(rec.BillingStatus), rec.DelinquentSince,
			rec.CurrentPeriodEnd, rec.LastBillingEventAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update license: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertDevice records a device verification.
func (db *DB) UpsertDevice(ctx context.Context, device *models.Device) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_devices (license_id, device_id, device_name, app_version, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (license_id, device_id) DO UPDATE
		SET device_name = EXCLUDED.device_name,
			app_version = EXCLUDED.app_version,
			last_seen_at = EXCLUDED.last_seen_at
	`, device.LicenseID, device.DeviceID, device.DeviceName, device.AppVersion, device.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// ListDevices returns the devices registered against a license, most
// recently seen first.
func (db *DB) ListDevices(ctx context.Context, licenseID uuid.UUID) ([]models.Device, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT license_id, device_id, device_name, app_version, last_seen_at
		FROM license_devices
		WHERE license_id = $1
		ORDER BY last_seen_at DESC
	`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.LicenseID, &d.DeviceID, &d.DeviceName, &d.AppVersion, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListLicenses returns every license ordered by organization.
func (db *DB) ListLicenses(ctx context.Context) ([]*license.Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses l
		ORDER BY l.organization_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var records []*license.Record
	for rows.Next() {
		rec, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return records, nil
}
