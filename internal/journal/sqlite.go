package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (creating if needed) the journal database in dataDir.
func NewSQLiteStore(dataDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer per device; readers share the same connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "journal_store").Logger(),
		now:    time.Now,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("change journal initialized")

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS change_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			record_id TEXT NOT NULL,
			prior_values TEXT,
			new_values TEXT,
			created_at TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			sync_error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			synced_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_change_entries_status_seq ON change_entries(sync_status, seq);

		CREATE TABLE IF NOT EXISTS journal_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Enqueue appends a pending entry.
func (s *SQLiteStore) Enqueue(ctx context.Context, m Mutation) (*models.ChangeEntry, error) {
	entry := &models.ChangeEntry{
		ID:          m.ID,
		TableName:   m.TableName,
		Operation:   m.Operation,
		RecordID:    m.RecordID,
		PriorValues: m.PriorValues,
		NewValues:   m.NewValues,
		CreatedAt:   s.now().UTC(),
		SyncStatus:  models.SyncStatusPending,
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	prior, err := encodeValues(entry.PriorValues)
	if err != nil {
		return nil, err
	}
	next, err := encodeValues(entry.NewValues)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO change_entries (id, table_name, operation, record_id, prior_values, new_values, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		entry.ID.String(),
		entry.TableName,
		string(entry.Operation),
		entry.RecordID,
		prior,
		next,
		entry.CreatedAt.Format(time.RFC3339Nano),
		string(entry.SyncStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("insert change entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		s.logger.Debug().Str("change_id", entry.ID.String()).Msg("change already journaled")
		return s.Get(ctx, entry.ID)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get insert id: %w", err)
	}
	entry.Seq = seq

	s.logger.Debug().
		Str("change_id", entry.ID.String()).
		Str("table", entry.TableName).
		Str("operation", string(entry.Operation)).
		Str("record_id", entry.RecordID).
		Msg("change journaled")

	return entry, nil
}

// Get retrieves an entry by ID.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*models.ChangeEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id.String())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// ListPending returns pending entries after cursor in insertion order.
func (s *SQLiteStore) ListPending(ctx context.Context, cursor int64, pageSize int) ([]*models.ChangeEntry, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, selectEntry+`
		WHERE sync_status = 'pending' AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, cursor, pageSize)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}

// MarkSynced moves a pending entry to synced.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_entries
		SET sync_status = 'synced', sync_error = NULL, synced_at = ?
		WHERE id = ? AND sync_status = 'pending'
	`, s.now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("mark entry synced: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// MarkFailed moves a pending entry to failed.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id uuid.UUID, syncErr string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE change_entries
		SET sync_status = 'failed', sync_error = ?
		WHERE id = ? AND sync_status = 'pending'
	`, syncErr, id.String())
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// RecordRetry increments the retry counter of a pending entry and returns it.
func (s *SQLiteStore) RecordRetry(ctx context.Context, id uuid.UUID, syncErr string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE change_entries
		SET retry_count = retry_count + 1, sync_error = ?
		WHERE id = ? AND sync_status = 'pending'
		RETURNING retry_count
	`, syncErr, id.String()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		entry, getErr := s.Get(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		return entry.RetryCount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record retry: %w", err)
	}
	return count, nil
}

// checkTransition distinguishes a missing entry from an already-terminal one
// when an update touched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// Status returns aggregate journal counts.
func (s *SQLiteStore) Status(ctx context.Context) (*Status, error) {
	status, err := s.statusCounts(ctx)
	if err != nil {
		return nil, err
	}

	var oldest string
	err = s.db.QueryRowContext(ctx, `
		SELECT created_at FROM change_entries
		WHERE sync_status = 'pending'
		ORDER BY seq ASC
		LIMIT 1
	`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query oldest pending: %w", err)
	default:
		if t, err := time.Parse(time.RFC3339Nano, oldest); err == nil {
			status.OldestPendingAt = &t
		}
	}

	return status, nil
}

// statusCounts must release its rows before returning: the store holds a
// single connection.
func (s *SQLiteStore) statusCounts(ctx context.Context) (*Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM change_entries GROUP BY sync_status
	`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	status := &Status{}
	for rows.Next() {
		var statusStr string
		var count int
		if err := rows.Scan(&statusStr, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		switch models.SyncStatus(statusStr) {
		case models.SyncStatusPending:
			status.PendingCount += count
		case models.SyncStatusSynced:
			status.SyncedCount += count
		case models.SyncStatusFailed:
			status.FailedCount += count
		}
		status.TotalEntries += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return status, nil
}

// SetMetadata stores a key-value pair alongside the journal.
func (s *SQLiteStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_metadata (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// GetMetadata retrieves a value stored with SetMetadata, or "" if unset.
func (s *SQLiteStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM journal_metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectEntry = `
	SELECT seq, id, table_name, operation, record_id, prior_values, new_values, created_at, sync_status, sync_error, retry_count, synced_at
	FROM change_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.ChangeEntry, error) {
	var (
		entry                       models.ChangeEntry
		idStr, operation, createdAt string
		status                      string
		prior, next                 models.Values
		syncErr, syncedAt           sql.NullString
	)

	err := row.Scan(&entry.Seq, &idStr, &entry.TableName, &operation, &entry.RecordID,
		&prior, &next, &createdAt, &status, &syncErr, &entry.RetryCount, &syncedAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	entry.ID = id
	entry.Operation = models.Operation(operation)
	entry.PriorValues = prior
	entry.NewValues = next
	entry.CreatedAt = created
	entry.SyncStatus = models.SyncStatus(status)
	if syncErr.Valid {
		entry.SyncError = syncErr.String
	}
	if syncedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, syncedAt.String); err == nil {
			entry.SyncedAt = &t
		}
	}

	return &entry, nil
}

func encodeValues(v models.Values) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal values: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
