// internal/metrics/metrics.go
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement holds the collectors for the withdrawal pipeline. A nil *Settlement
// is valid and records nothing.
type Settlement struct {
	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	confirmations   prometheus.Counter
	failures        *prometheus.CounterVec
	passDuration    prometheus.Histogram
	passesSkipped   prometheus.Counter
	underfunded     prometheus.Gauge
	paused          prometheus.Gauge
	nonceResets     prometheus.Counter
	duplicateHashes prometheus.Counter
}

var (
	defaultOnce sync.Once
	defaultReg  *Settlement
)

// Default returns the process-wide collectors registered on the default registry.
func Default() *Settlement {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Settlement {
	m := &Settlement{
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls per endpoint segmented by role, method and outcome.",
		}, []string{"role", "endpoint", "method", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "withdrawal",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Latency of individual endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "method"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "intake",
			Name:      "submissions_total",
			Help:      "Withdrawal submissions segmented by outcome.",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "broadcasts_total",
			Help:      "Signed payload submissions segmented by kind and outcome.",
		}, []string{"kind", "outcome"}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "confirmed_total",
			Help:      "Withdrawals that reached confirmed.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "failed_total",
			Help:      "Withdrawals that reached failed segmented by reason.",
		}, []string{"reason"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "withdrawal",
			Subsystem: "reconciler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		passesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "reconciler",
			Name:      "passes_skipped_total",
			Help:      "Ticks skipped because the previous pass was still running.",
		}),
		underfunded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "hot_wallet_underfunded",
			Help:      "1 when the last batch stopped on an underfunded hot wallet.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "paused",
			Help:      "1 while settlement is paused by an operator.",
		}),
		nonceResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "nonce_resets_total",
			Help:      "Local nonce counters dropped after a node rejection.",
		}),
		duplicateHashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "withdrawal",
			Subsystem: "settlement",
			Name:      "duplicate_hash_losers_total",
			Help:      "Rows failed because an earlier row owned the same tx hash.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.gatewayCalls,
			m.gatewayLatency,
			m.submissions,
			m.broadcasts,
			m.confirmations,
			m.failures,
			m.passDuration,
			m.passesSkipped,
			m.underfunded,
			m.paused,
			m.nonceResets,
			m.duplicateHashes,
		)
	}
	return m
}

func (m *Settlement) ObserveRPC(role, endpoint, method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(role, endpoint, method, outcome).Inc()
	m.gatewayLatency.WithLabelValues(role, method).Observe(took.Seconds())
}

func (m *Settlement) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// RecordBroadcast counts a submission of signed bytes. kind is "first" or "rebroadcast".
func (m *Settlement) RecordBroadcast(kind, outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind, outcome).Inc()
}

func (m *Settlement) RecordConfirmed() {
	if m == nil {
		return
	}
	m.confirmations.Inc()
}

func (m *Settlement) RecordFailed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Settlement) ObservePass(took time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(took.Seconds())
}

func (m *Settlement) RecordSkippedPass() {
	if m == nil {
		return
	}
	m.passesSkipped.Inc()
}

func (m *Settlement) SetUnderfunded(v bool) {
	if m == nil {
		return
	}
	m.underfunded.Set(boolGauge(v))
}

func (m *Settlement) SetPaused(v bool) {
	if m == nil {
		return
	}
	m.paused.Set(boolGauge(v))
}

func (m *Settlement) RecordNonceReset() {
	if m == nil {
		return
	}
	m.nonceResets.Inc()
}

func (m *Settlement) RecordDuplicateHash() {
	if m == nil {
		return
	}
	m.duplicateHashes.Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
