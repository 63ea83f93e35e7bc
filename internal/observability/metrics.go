package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recordstore"

// Metrics holds the record set collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	recordsAdded       *prometheus.CounterVec
	rolls              *prometheus.CounterVec
	compactions        *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	recordsCompacted   *prometheus.CounterVec
	commitlogRecords   *prometheus.GaugeVec
	datafiles          *prometheus.GaugeVec
	fetches            *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. It returns nil when reg is nil.
// Every series carries a "set" label naming the record set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		recordsAdded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_added_total",
			Help:      "Records appended to the active commit log",
		}, []string{"set"}),
		rolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commitlog_rolls_total",
			Help:      "Active commit log segments rolled",
		}, []string{"set"}),
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compactions by result (ok, noop, busy, error)",
		}, []string{"set", "result"}),
		compactionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Duration of compactions that wrote datafiles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"set"}),
		recordsCompacted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_compacted_total",
			Help:      "Records written to datafiles by compaction",
		}, []string{"set"}),
		commitlogRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commitlog_records",
			Help:      "Distinct record ids waiting in commit logs",
		}, []string{"set"}),
		datafiles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datafiles",
			Help:      "Datafiles in the current state",
		}, []string{"set"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Point lookups by result (hit, miss)",
		}, []string{"set", "result"}),
	}
}

func (m *Metrics) RecordAdded(set string) {
	if m == nil {
		return
	}
	m.recordsAdded.WithLabelValues(set).Inc()
}

func (m *Metrics) Rolled(set string) {
	if m == nil {
		return
	}
	m.rolls.WithLabelValues(set).Inc()
}

// Compacted counts a finished compaction attempt. Duration and record count
// are only observed for successful runs that wrote files.
func (m *Metrics) Compacted(set, result string, took time.Duration, records uint64) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(set, result).Inc()
	if result == "ok" {
		m.compactionDuration.WithLabelValues(set).Observe(took.Seconds())
		m.recordsCompacted.WithLabelValues(set).Add(float64(records))
	}
}

// SetState publishes the pending commit log size and datafile count.
func (m *Metrics) SetState(set string, commitlogRecords, datafiles int) {
	if m == nil {
		return
	}
	m.commitlogRecords.WithLabelValues(set).Set(float64(commitlogRecords))
	m.datafiles.WithLabelValues(set).Set(float64(datafiles))
}

func (m *Metrics) Fetched(set string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.fetches.WithLabelValues(set, result).Inc()
}
