package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/journal"
	"github.com/gearbase/gearbase/internal/metrics"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Errors
var (
	// ErrServerUnreachable is returned when the server cannot be contacted.
	ErrServerUnreachable = errors.New("server is unreachable")
	// ErrSyncDisabled is returned when the license does not allow syncing.
	ErrSyncDisabled = errors.New("sync is not allowed by the current license")
)

// Applier uploads a batch of changes to the authoritative store.
type Applier interface {
	ApplyChanges(ctx context.Context, entries []*models.ChangeEntry) (*BatchResult, error)
}

// HealthChecker reports whether the server is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Gate reports whether the device may sync. It returns a forbidden
// apperr carrying the block reason when it may not.
type Gate interface {
	CanSync(ctx context.Context) error
}

// metadataStore is implemented by journals that persist sync timestamps.
type metadataStore interface {
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

const (
	metaLastSyncAttempt = "last_sync_attempt"
	metaLastSuccessSync = "last_success_sync"
)

// Config holds configuration for the Coordinator.
type Config struct {
	// BatchSize bounds the entries sent in one request.
	BatchSize int `yaml:"batch_size"`
	// MaxEntriesPerSync bounds the entries processed by one SyncNow call.
	MaxEntriesPerSync int `yaml:"max_entries_per_sync"`
	// MaxRetries is the number of transient failures after which an entry is marked failed.
	MaxRetries        int           `yaml:"max_retries"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	// RequestTimeout bounds one batch upload.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		MaxEntriesPerSync: 500,
		MaxRetries:        5,
		HealthCheckPeriod: 10 * time.Second,
		SyncInterval:      30 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// Result aggregates one SyncNow call.
type Result struct {
	Synced    int          `json:"synced"`
	Failed    int          `json:"failed"`
	Retrying  int          `json:"retrying"`
	Conflicts int          `json:"conflicts"`
	Errors    []EntryError `json:"errors,omitempty"`
}

// Coordinator drains a device's change journal.
type Coordinator struct {
	journal journal.Store
	applier Applier
	health  HealthChecker
	gate    Gate
	config  Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// syncMu serializes drains so two calls never process the same entries.
	syncMu sync.Mutex

	mu              sync.RWMutex
	serverReachable bool
	lastSyncAttempt time.Time
	lastSuccessSync time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CoordinatorConfig holds the dependencies of a Coordinator. Health and
// Gate are optional.
type CoordinatorConfig struct {
	Journal journal.Store
	Applier Applier
	Health  HealthChecker
	Gate    Gate
	Config  Config
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewCoordinator creates a new Coordinator. Without a HealthChecker the
// server is assumed reachable.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	defaults := DefaultConfig()
	if cfg.Config.BatchSize <= 0 {
		cfg.Config.BatchSize = defaults.BatchSize
	}
	if cfg.Config.MaxEntriesPerSync <= 0 {
		cfg.Config.MaxEntriesPerSync = defaults.MaxEntriesPerSync
	}
	if cfg.Config.MaxRetries <= 0 {
		cfg.Config.MaxRetries = defaults.MaxRetries
	}
	if cfg.Config.HealthCheckPeriod <= 0 {
		cfg.Config.HealthCheckPeriod = defaults.HealthCheckPeriod
	}
	if cfg.Config.RequestTimeout <= 0 {
		cfg.Config.RequestTimeout = defaults.RequestTimeout
	}

	c := &Coordinator{
		journal:         cfg.Journal,
		applier:         cfg.Applier,
		health:          cfg.Health,
		gate:            cfg.Gate,
		config:          cfg.Config,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With().Str("component", "sync_coordinator").Logger(),
		now:             time.Now,
		serverReachable: cfg.Health == nil,
		stopCh:          make(chan struct{}),
	}
	c.loadTimestamps()
	return c
}

// Enqueue journals a local mutation.
func (c *Coordinator) Enqueue(ctx context.Context, m journal.Mutation) (*models.ChangeEntry, error) {
	entry, err := c.journal.Enqueue(ctx, m)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("change_id", entry.ID.String()).
		Str("change", describe(entry)).
		Msg("change journaled")
	return entry, nil
}

// Start begins health monitoring. When the server becomes reachable after
// being offline, a drain is triggered.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.health != nil {
		if err := c.checkServerHealth(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("initial server health check failed, starting in offline mode")
		}
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	if c.config.SyncInterval > 0 {
		c.wg.Add(1)
		go c.syncLoop()
	}

	c.logger.Info().
		Int("batch_size", c.config.BatchSize).
		Dur("health_check_period", c.config.HealthCheckPeriod).
		Msg("sync coordinator started")
	return nil
}

// Stop stops background work and waits for it to finish.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("sync coordinator stopped")
}

// IsServerReachable returns true if the last health check succeeded.
func (c *Coordinator) IsServerReachable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverReachable
}

// GetStatus returns the journal status with connectivity information.
func (c *Coordinator) GetStatus(ctx context.Context) (*journal.Status, error) {
	status, err := c.journal.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("get journal status: %w", err)
	}

	c.mu.RLock()
	status.ServerReachable = c.serverReachable
	if !c.lastSyncAttempt.IsZero() {
		t := c.lastSyncAttempt
		status.LastSyncAttempt = &t
	}
	if !c.lastSuccessSync.IsZero() {
		t := c.lastSuccessSync
		status.LastSuccessSync = &t
	}
	c.mu.RUnlock()

	c.metrics.SetJournalPending(status.PendingCount)
	return status, nil
}

// SyncNow drains pending entries. Concurrent calls are serialized. Entry
// status transitions are committed as soon as each batch returns, so an
// interrupted drain leaves synced entries synced and the rest pending.
func (c *Coordinator) SyncNow(ctx context.Context) (*Result, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	if !c.IsServerReachable() {
		return nil, ErrServerUnreachable
	}

	if c.gate != nil {
		if err := c.gate.CanSync(ctx); err != nil {
			if apperr.Is(err, apperr.KindForbidden) {
				return nil, fmt.Errorf("%w: %s", ErrSyncDisabled, apperr.Message(err))
			}
			return nil, fmt.Errorf("check license: %w", err)
		}
	}

	start := c.now()
	c.setTimestamp(metaLastSyncAttempt, start)
	defer func() { c.metrics.ObserveSyncBatch(c.now().Sub(start)) }()

	result := &Result{}
	var cursor int64
	processed := 0

	for processed < c.config.MaxEntriesPerSync {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		limit := c.config.BatchSize
		if remaining := c.config.MaxEntriesPerSync - processed; remaining < limit {
			limit = remaining
		}

		entries, err := c.journal.ListPending(ctx, cursor, limit)
		if err != nil {
			return result, fmt.Errorf("list pending: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		cursor = entries[len(entries)-1].Seq
		processed += len(entries)

		if err := c.syncBatch(ctx, entries, result); err != nil {
			return result, err
		}
	}

	if result.Failed == 0 && result.Retrying == 0 {
		c.setTimestamp(metaLastSuccessSync, c.now())
	}

	if processed > 0 {
		c.logger.Info().
			Int("synced", result.Synced).
			Int("failed", result.Failed).
			Int("retrying", result.Retrying).
			Int("conflicts", result.Conflicts).
			Msg("sync pass complete")
	}
	return result, nil
}

// syncBatch uploads entries and records each outcome. It returns an error
// only when the drain must stop; the entries are then left pending.
func (c *Coordinator) syncBatch(ctx context.Context, entries []*models.ChangeEntry, result *Result) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	batch, err := c.applier.ApplyChanges(reqCtx, entries)
	cancel()

	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindAuth:
			return fmt.Errorf("sync rejected: %w", err)
		case apperr.KindForbidden:
			return fmt.Errorf("%w: %s", ErrSyncDisabled, apperr.Message(err))
		case apperr.KindValidation:
			// The server rejected the request body as a whole.
			for _, e := range entries {
				c.markFailed(ctx, e, apperr.Message(err), result)
			}
			return nil
		}

		// Transport failures leave the batch pending and do not count as retries.
		if c.health != nil {
			c.mu.Lock()
			c.serverReachable = false
			c.mu.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	failures := make(map[uuid.UUID]EntryError, len(batch.Errors))
	for _, fe := range batch.Errors {
		failures[fe.ChangeID] = fe
	}
	result.Conflicts += batch.Conflicts

	for _, e := range entries {
		fe, failed := failures[e.ID]
		switch {
		case !failed:
			c.markSynced(ctx, e, result)
		case fe.Retryable:
			c.recordRetry(ctx, e, fe.Error, result)
		default:
			c.markFailed(ctx, e, fe.Error, result)
		}
		if failed {
			result.Errors = append(result.Errors, fe)
		}
	}
	return nil
}

func (c *Coordinator) markSynced(ctx context.Context, e *models.ChangeEntry, result *Result) {
	if err := c.journal.MarkSynced(ctx, e.ID); err != nil {
		c.logger.Warn().Err(err).Str("change_id", e.ID.String()).Msg("failed to mark change as synced")
		return
	}
	result.Synced++
	c.metrics.RecordSyncEntry("synced")
}

func (c *Coordinator) markFailed(ctx context.Context, e *models.ChangeEntry, msg string, result *Result) {
	if err := c.journal.MarkFailed(ctx, e.ID, msg); err != nil {
		c.logger.Warn().Err(err).Str("change_id", e.ID.String()).Msg("failed to mark change as failed")
		return
	}
	result.Failed++
	c.metrics.RecordSyncEntry("failed")
	c.logger.Warn().
		Str("change_id", e.ID.String()).
		Str("change", describe(e)).
		Str("error", msg).
		Msg("change rejected")
}

func (c *Coordinator) recordRetry(ctx context.Context, e *models.ChangeEntry, msg string, result *Result) {
	retries, err := c.journal.RecordRetry(ctx, e.ID, msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("change_id", e.ID.String()).Msg("failed to record retry")
		return
	}
	if retries >= c.config.MaxRetries {
		c.markFailed(ctx, e, fmt.Sprintf("giving up after %d attempts: %s", retries, msg), result)
		return
	}
	result.Retrying++
	c.metrics.RecordSyncEntry("retrying")
}

// checkServerHealth updates reachability and drains on reconnection.
func (c *Coordinator) checkServerHealth(ctx context.Context) error {
	err := c.health.CheckHealth(ctx)

	c.mu.Lock()
	wasReachable := c.serverReachable
	c.serverReachable = err == nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Msg("server health check failed")
		return err
	}

	if !wasReachable {
		c.handleReconnection()
	}
	return nil
}

func (c *Coordinator) handleReconnection() {
	c.logger.Info().Msg("server connection restored")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := c.SyncNow(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("sync after reconnection failed")
		}
	}()
}

func (c *Coordinator) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = c.checkServerHealth(ctx)
			cancel()
		}
	}
}

func (c *Coordinator) syncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.IsServerReachable() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := c.SyncNow(ctx); err != nil {
				c.logger.Debug().Err(err).Msg("periodic sync failed")
			}
			cancel()
		}
	}
}

func (c *Coordinator) setTimestamp(key string, t time.Time) {
	c.mu.Lock()
	switch key {
	case metaLastSyncAttempt:
		c.lastSyncAttempt = t
	case metaLastSuccessSync:
		c.lastSuccessSync = t
	}
	c.mu.Unlock()

	if ms, ok := c.journal.(metadataStore); ok {
		if err := ms.SetMetadata(context.Background(), key, t.UTC().Format(time.RFC3339Nano)); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to persist sync timestamp")
		}
	}
}

func (c *Coordinator) loadTimestamps() {
	ms, ok := c.journal.(metadataStore)
	if !ok {
		return
	}
	for _, key := range []string{metaLastSyncAttempt, metaLastSuccessSync} {
		raw, err := ms.GetMetadata(context.Background(), key)
		if err != nil || raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		if key == metaLastSyncAttempt {
			c.lastSyncAttempt = t
		} else {
			c.lastSuccessSync = t
		}
	}
}
