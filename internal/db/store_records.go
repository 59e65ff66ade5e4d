package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// recordTable returns the quoted identifier for an allow-listed table.
func recordTable(table string) (string, error) {
	if !syncer.IsSyncable(table) {
		return "", fmt.Errorf("table %q is not syncable", table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// FetchRecord returns a live business record.
func (db *DB) FetchRecord(ctx context.Context, orgID uuid.UUID, table, recordID string) (*syncer.Record, error) {
	ident, err := recordTable(table)
	if err != nil {
		return nil, err
	}

	var rec syncer.Record
	err = db.Pool.QueryRow(ctx, `
		SELECT fields, updated_at FROM `+ident+`
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
	`, orgID, recordID).Scan(&rec.Values, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, syncer.ErrRecordNotFound
		}
		return nil, fmt.Errorf("fetch %s record: %w", table, err)
	}
	return &rec, nil
}

// Applied reports whether a change id has already been written.
func (db *DB) Applied(ctx context.Context, orgID, changeID uuid.UUID) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sync_applied_changes WHERE change_id = $1 AND organization_id = $2)
	`, changeID, orgID).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check applied change: %w", err)
	}
	return applied, nil
}

// Apply writes a synced change at most once per change id.
func (db *DB) Apply(ctx context.Context, w syncer.Write) (bool, error) {
	ident, err := recordTable(w.Table)
	if err != nil {
		return false, err
	}

	applied := false
	err = db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sync_applied_changes (change_id, organization_id, table_name, record_id, operation)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (change_id) DO NOTHING
		`, w.ChangeID, w.OrganizationID, w.Table, w.RecordID, string(w.Operation))
		if err != nil {
			return fmt.Errorf("record applied change: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		switch w.Operation {
		case models.OperationInsert:
			err = insertRecord(ctx, tx, ident, w)
		case models.OperationUpdate:
			err = updateRecord(ctx, tx, ident, w)
		case models.OperationDelete:
			_, err = tx.Exec(ctx, `
				UPDATE `+ident+` SET deleted_at = NOW(), updated_at = NOW()
				WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
			`, w.OrganizationID, w.RecordID)
		default:
			err = fmt.Errorf("unknown operation %q", w.Operation)
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, ident string, w syncer.Write) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+ident+` (organization_id, id, fields, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (organization_id, id) DO UPDATE
		SET fields = EXCLUDED.fields, updated_at = NOW(), deleted_at = NULL
	`, w.OrganizationID, w.RecordID, w.Values)
	if err != nil {
		return fmt.Errorf("insert %s record: %w", w.Table, err)
	}
	return nil
}

func updateRecord(ctx context.Context, tx pgx.Tx, ident string, w syncer.Write) error {
	tag, err := tx.Exec(ctx, `
		UPDATE `+ident+` SET fields = $3, updated_at = NOW()
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
			AND ($4::timestamptz IS NULL OR updated_at = $4)
	`, w.OrganizationID, w.RecordID, w.Values, w.ExpectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("update %s record: %w", w.Table, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM `+ident+` WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL)
	`, w.OrganizationID, w.RecordID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s record: %w", w.Table, err)
	}
	if !exists {
		return syncer.ErrRecordNotFound
	}
	return syncer.ErrStaleRecord
}
