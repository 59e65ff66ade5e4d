package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/conflict"
	"github.com/gearbase/gearbase/internal/journal"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) *journal.SQLiteStore {
	t.Helper()
	store, err := journal.NewSQLiteStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// countingApplier records how often each change is uploaded.
type countingApplier struct {
	next Applier

	mu    sync.Mutex
	seen  map[uuid.UUID]int
	calls int
}

func (a *countingApplier) ApplyChanges(ctx context.Context, entries []*models.ChangeEntry) (*BatchResult, error) {
	a.mu.Lock()
	if a.seen == nil {
		a.seen = make(map[uuid.UUID]int)
	}
	a.calls++
	for _, e := range entries {
		a.seen[e.ID]++
	}
	a.mu.Unlock()
	return a.next.ApplyChanges(ctx, entries)
}

type applierFunc func(ctx context.Context, entries []*models.ChangeEntry) (*BatchResult, error)

func (f applierFunc) ApplyChanges(ctx context.Context, entries []*models.ChangeEntry) (*BatchResult, error) {
	return f(ctx, entries)
}

type gateFunc func(ctx context.Context) error

func (f gateFunc) CanSync(ctx context.Context) error { return f(ctx) }

type toggleHealth struct {
	mu sync.Mutex
	up bool
}

func (h *toggleHealth) set(up bool) {
	h.mu.Lock()
	h.up = up
	h.mu.Unlock()
}

func (h *toggleHealth) CheckHealth(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.up {
		return errors.New("connection refused")
	}
	return nil
}

type fixture struct {
	journal *journal.SQLiteStore
	auth    *MemoryAuthority
	applier *countingApplier
	orgID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	orgID := uuid.New()
	auth := NewMemoryAuthority()
	local := &LocalApplier{
		Reconciler:     newReconciler(auth, conflict.DefaultPolicy()),
		OrganizationID: orgID,
	}
	return &fixture{
		journal: newJournal(t),
		auth:    auth,
		applier: &countingApplier{next: local},
		orgID:   orgID,
	}
}

func (f *fixture) coordinator(cfg CoordinatorConfig) *Coordinator {
	cfg.Journal = f.journal
	if cfg.Applier == nil {
		cfg.Applier = f.applier
	}
	cfg.Logger = zerolog.Nop()
	return NewCoordinator(cfg)
}

func insertMutation(table, recordID string, values models.Values) journal.Mutation {
	return journal.Mutation{TableName: table, Operation: models.OperationInsert, RecordID: recordID, NewValues: values}
}

func TestCoordinator_SyncNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(CoordinatorConfig{Config: Config{BatchSize: 2}})

	_, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
	require.NoError(t, err)
	rejected, err := c.Enqueue(ctx, insertMutation("users", "u1", models.Values{"email": "x@example.com"}))
	require.NoError(t, err, "enqueue never checks the allow-list")
	_, err = c.Enqueue(ctx, insertMutation("tasks", "t1", models.Values{"title": "Pack"}))
	require.NoError(t, err)

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, rejected.ID, res.Errors[0].ChangeID)

	entry, err := f.journal.Get(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, entry.SyncStatus)
	assert.Contains(t, entry.SyncError, "not syncable")

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.PendingCount)
	assert.Equal(t, 2, status.SyncedCount)
	assert.Equal(t, 1, status.FailedCount)
	assert.NotNil(t, status.LastSyncAttempt)

	res, err = c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced+res.Failed)
	assert.Equal(t, 2, f.applier.calls, "second drain has nothing to send")
}

func TestCoordinator_ConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(CoordinatorConfig{})

	baseline := time.Now().Add(-time.Hour).UTC()
	remoteAt := time.Now().Add(time.Hour).UTC()
	f.auth.Put(f.orgID, "inventory_items", "item-1", models.Values{"name": "Speaker", "quantity": float64(5)}, remoteAt)

	entry, err := c.Enqueue(ctx, journal.Mutation{
		TableName:   "inventory_items",
		Operation:   models.OperationUpdate,
		RecordID:    "item-1",
		PriorValues: models.Values{"quantity": float64(4), "updated_at": baseline.Format(time.RFC3339Nano)},
		NewValues:   models.Values{"quantity": float64(3)},
	})
	require.NoError(t, err)

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Conflicts)

	stored, err := f.journal.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)

	rec, err := f.auth.FetchRecord(ctx, f.orgID, "inventory_items", "item-1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), rec.Values["quantity"])
}

func TestCoordinator_RetryThenFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := applierFunc(func(_ context.Context, entries []*models.ChangeEntry) (*BatchResult, error) {
		res := &BatchResult{}
		for _, e := range entries {
			res.Failed++
			res.Errors = append(res.Errors, EntryError{ChangeID: e.ID, Error: "deadlock detected", Retryable: true})
		}
		return res, nil
	})
	c := f.coordinator(CoordinatorConfig{Applier: flaky, Config: Config{MaxRetries: 2}})

	entry, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
	require.NoError(t, err)

	res, err := c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	stored, _ := f.journal.Get(ctx, entry.ID)
	assert.Equal(t, models.SyncStatusPending, stored.SyncStatus)
	assert.Equal(t, 1, stored.RetryCount)

	res, err = c.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, _ = f.journal.Get(ctx, entry.ID)
	assert.Equal(t, models.SyncStatusFailed, stored.SyncStatus)
	assert.Contains(t, stored.SyncError, "deadlock detected")
}

func TestCoordinator_StopsOnTransportAndAuthErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"network down", errors.New("dial tcp: connection refused"), ErrServerUnreachable},
		{"license revoked", apperr.Forbidden("billing failed"), ErrSyncDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			failing := applierFunc(func(context.Context, []*models.ChangeEntry) (*BatchResult, error) {
				return nil, tt.err
			})
			c := f.coordinator(CoordinatorConfig{Applier: failing})

			entry, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
			require.NoError(t, err)

			_, err = c.SyncNow(ctx)
			require.ErrorIs(t, err, tt.wantErr)

			stored, _ := f.journal.Get(ctx, entry.ID)
			assert.Equal(t, models.SyncStatusPending, stored.SyncStatus)
			assert.Equal(t, 0, stored.RetryCount)
		})
	}

	t.Run("invalid credentials", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		c := f.coordinator(CoordinatorConfig{Applier: applierFunc(func(context.Context, []*models.ChangeEntry) (*BatchResult, error) {
			return nil, apperr.New(apperr.KindAuth, "invalid API key")
		})})
		_, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
		require.NoError(t, err)

		_, err = c.SyncNow(ctx)
		require.Error(t, err)
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	})
}

func TestCoordinator_LicenseGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gate := gateFunc(func(context.Context) error {
		return apperr.Forbidden("Your billing payment has failed, so syncing is paused.")
	})
	c := f.coordinator(CoordinatorConfig{Gate: gate})

	_, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
	require.NoError(t, err)

	_, err = c.SyncNow(ctx)
	require.ErrorIs(t, err, ErrSyncDisabled)
	assert.Contains(t, err.Error(), "billing")
	assert.Equal(t, 0, f.applier.calls)
}

func TestCoordinator_ConcurrentSyncNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(CoordinatorConfig{Config: Config{BatchSize: 3}})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Enqueue(ctx, insertMutation("tasks", uuid.NewString(), models.Values{"title": "task"}))
			assert.NoError(t, err)
		}()
	}

	results := make(chan *Result, 5)
	var syncers sync.WaitGroup
	for i := 0; i < 5; i++ {
		syncers.Add(1)
		go func() {
			defer syncers.Done()
			res, err := c.SyncNow(ctx)
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	syncers.Wait()
	close(results)

	// Drain whatever was enqueued after the concurrent passes finished.
	final, err := c.SyncNow(ctx)
	require.NoError(t, err)

	total := final.Synced
	for res := range results {
		total += res.Synced
	}
	assert.Equal(t, n, total)

	for id, count := range f.applier.seen {
		assert.Equal(t, 1, count, "change %s uploaded more than once", id)
	}

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, status.SyncedCount)
}

func TestCoordinator_ReconnectionTriggersDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	health := &toggleHealth{}
	c := f.coordinator(CoordinatorConfig{
		Health: health,
		Config: Config{HealthCheckPeriod: time.Hour},
	})
	require.NoError(t, c.Start(ctx))

	_, err := c.Enqueue(ctx, insertMutation("jobs", "j1", models.Values{"title": "Gala"}))
	require.NoError(t, err)

	_, err = c.SyncNow(ctx)
	require.ErrorIs(t, err, ErrServerUnreachable)
	assert.False(t, c.IsServerReachable())

	health.set(true)
	require.NoError(t, c.checkServerHealth(ctx))
	c.Stop()

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.ServerReachable)
	assert.Equal(t, 1, status.SyncedCount)
	assert.Equal(t, 0, status.PendingCount)
}

func TestCoordinator_PersistsSyncTimestamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.coordinator(CoordinatorConfig{})

	_, err := c.SyncNow(ctx)
	require.NoError(t, err)

	reopened := f.coordinator(CoordinatorConfig{})
	status, err := reopened.GetStatus(ctx)
	require.NoError(t, err)
	assert.NotNil(t, status.LastSyncAttempt)
	assert.NotNil(t, status.LastSuccessSync)
}
