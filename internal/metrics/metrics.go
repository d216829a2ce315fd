// Package metrics exposes Prometheus collectors for the scheduler and the
// execution service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aitester"

// Fire outcomes.
const (
	FireDispatched = "dispatched"
	FireFailed     = "failed"
	FireSkipped    = "skipped"
	FireMissing    = "missing"
)

type Metrics struct {
	fires         *prometheus.CounterVec
	activeTrigger prometheus.Gauge
	executions    *prometheus.CounterVec
	execDuration  prometheus.Histogram
	registrations *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests independent of the global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Cron fires handled by the scheduler, by outcome.",
		}, []string{"outcome"}),
		activeTrigger: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_triggers",
			Help:      "Live cron triggers currently registered.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Completed test suite executions, by status.",
		}, []string{"status"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of test suite executions including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_registrations_total",
			Help:      "Trigger registrations, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.fires, m.activeTrigger, m.executions, m.execDuration, m.registrations)
	return m
}

func (m *Metrics) Fire(outcome string) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveTriggers(n int) {
	if m == nil {
		return
	}
	m.activeTrigger.Set(float64(n))
}

func (m *Metrics) Registration(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) Execution(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.execDuration.Observe(took.Seconds())
}
