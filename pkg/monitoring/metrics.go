package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded by RevisionApplied.
const (
	OutcomeApplied     = "applied"
	OutcomeDuplicate   = "duplicate"
	OutcomeTransformed = "transformed"
	OutcomeGap         = "gap"
	OutcomeRejected    = "rejected"
)

// Metrics collects the counters the sync core exposes. All methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	RevisionsApplied     *prometheus.CounterVec
	LockTimeouts         prometheus.Counter
	PersistenceFailures  prometheus.Counter
	CacheIntegrityErrors prometheus.Counter
	ChecksumMismatches   prometheus.Counter
	Compactions          prometheus.Counter
	FlushDuration        prometheus.Histogram
	OpenDocuments        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RevisionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "revisions_applied_total",
			Help:      "Revisions received by the synchronizer, by outcome",
		}, []string{"outcome"}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "lock_timeouts_total",
			Help:      "Messages dropped because the document lock was not acquired in time",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "persistence_failures_total",
			Help:      "Failed write-behind flushes of the revision cache",
		}),
		CacheIntegrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "cache_integrity_errors_total",
			Help:      "Revision ranges that memory and disk could not cover",
		}),
		ChecksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "checksum_mismatches_total",
			Help:      "Replica content checksums that disagreed after apply",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab_sync",
			Name:      "compactions_total",
			Help:      "Revision runs merged into a single record",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collab_sync",
			Name:      "flush_duration_seconds",
			Help:      "Duration of write-behind flushes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		OpenDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab_sync",
			Name:      "open_documents",
			Help:      "Documents currently held by the room manager",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RevisionsApplied, m.LockTimeouts, m.PersistenceFailures,
			m.CacheIntegrityErrors, m.ChecksumMismatches, m.Compactions,
			m.FlushDuration, m.OpenDocuments)
	}
	return m
}

func (m *Metrics) RevisionApplied(outcome string) {
	if m == nil {
		return
	}
	m.RevisionsApplied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeouts.Inc()
}

func (m *Metrics) PersistenceFailure() {
	if m == nil {
		return
	}
	m.PersistenceFailures.Inc()
}

func (m *Metrics) CacheIntegrityError() {
	if m == nil {
		return
	}
	m.CacheIntegrityErrors.Inc()
}

func (m *Metrics) ChecksumMismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatches.Inc()
}

func (m *Metrics) Compacted() {
	if m == nil {
		return
	}
	m.Compactions.Inc()
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) DocumentOpened() {
	if m == nil {
		return
	}
	m.OpenDocuments.Inc()
}

func (m *Metrics) DocumentClosed() {
	if m == nil {
		return
	}
	m.OpenDocuments.Dec()
}
