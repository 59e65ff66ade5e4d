// Package metrics exposes Prometheus instrumentation for sync, licensing
// and token metering. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gearbase"

// Metrics holds the registered collectors.
type Metrics struct {
	SyncEntries       *prometheus.CounterVec
	SyncConflicts     *prometheus.CounterVec
	SyncBatchDuration prometheus.Histogram
	JournalPending    prometheus.Gauge
	LicenseChecks     *prometheus.CounterVec
	BillingEvents     *prometheus.CounterVec
	TokenReservations *prometheus.CounterVec
	TokenRefunds      *prometheus.CounterVec
	AbuseDetected     *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SyncEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_total",
			Help:      "Journal entries processed by outcome.",
		}, []string{"outcome"}),
		SyncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected during sync by table and strategy.",
		}, []string{"table", "strategy"}),
		SyncBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batch_duration_seconds",
			Help:      "Time spent draining one sync batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		JournalPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "pending_entries",
			Help:      "Entries waiting to be synced.",
		}),
		LicenseChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "license",
			Name:      "checks_total",
			Help:      "License verifications by derived status.",
		}, []string{"status"}),
		BillingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "license",
			Name:      "billing_events_total",
			Help:      "Billing events applied by billing status.",
		}, []string{"billing_status"}),
		TokenReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "reservations_total",
			Help:      "Token reservation attempts by token type and outcome.",
		}, []string{"token_type", "outcome"}),
		TokenRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "refunds_total",
			Help:      "Reservations refunded after a failed paid action.",
		}, []string{"token_type"}),
		AbuseDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "abuse_detected_total",
			Help:      "Requests rejected by rate limit or burn-rate checks.",
		}, []string{"reason"}),
	}

	collectors := []prometheus.Collector{
		m.SyncEntries, m.SyncConflicts, m.SyncBatchDuration, m.JournalPending,
		m.LicenseChecks, m.BillingEvents,
		m.TokenReservations, m.TokenRefunds, m.AbuseDetected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// RecordSyncEntry counts one processed journal entry.
func (m *Metrics) RecordSyncEntry(outcome string) {
	if m == nil {
		return
	}
	m.SyncEntries.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a detected conflict.
func (m *Metrics) RecordConflict(table, strategy string) {
	if m == nil {
		return
	}
	m.SyncConflicts.WithLabelValues(table, strategy).Inc()
}

// ObserveSyncBatch records the duration of a drain pass.
func (m *Metrics) ObserveSyncBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncBatchDuration.Observe(d.Seconds())
}

// SetJournalPending sets the pending entry gauge.
func (m *Metrics) SetJournalPending(n int) {
	if m == nil {
		return
	}
	m.JournalPending.Set(float64(n))
}

// RecordLicenseCheck counts a verification.
func (m *Metrics) RecordLicenseCheck(status string) {
	if m == nil {
		return
	}
	m.LicenseChecks.WithLabelValues(status).Inc()
}

// RecordBillingEvent counts an applied billing event.
func (m *Metrics) RecordBillingEvent(billingStatus string) {
	if m == nil {
		return
	}
	m.BillingEvents.WithLabelValues(billingStatus).Inc()
}

// RecordReservation counts a reservation attempt.
func (m *Metrics) RecordReservation(tokenType, outcome string) {
	if m == nil {
		return
	}
	m.TokenReservations.WithLabelValues(tokenType, outcome).Inc()
}

// RecordRefund counts a refund.
func (m *Metrics) RecordRefund(tokenType string) {
	if m == nil {
		return
	}
	m.TokenRefunds.WithLabelValues(tokenType).Inc()
}

// RecordAbuse counts an abuse rejection.
func (m *Metrics) RecordAbuse(reason string) {
	if m == nil {
		return
	}
	m.AbuseDetected.WithLabelValues(reason).Inc()
}
