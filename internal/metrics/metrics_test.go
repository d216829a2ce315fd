package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Fire(FireDispatched)
	m.SetActiveTriggers(3)
	m.Registration(false)
	m.Execution("passed", time.Second)
}

func TestCollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Fire(FireFailed)
	m.Fire(FireFailed)
	m.SetActiveTriggers(2)
	m.Registration(true)
	m.Execution("failed", 3*time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				got[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		"aitester_schedule_fires_total":         2,
		"aitester_active_triggers":              2,
		"aitester_schedule_registrations_total": 1,
		"aitester_executions_total":             1,
		"aitester_execution_duration_seconds":   1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %v, want %v (all: %v)", name, got[name], v, keys(got))
		}
	}
}

func keys(m map[string]float64) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return strings.Join(out, ",")
}
