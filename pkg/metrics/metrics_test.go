package metrics

import (
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestRecordTaskDispatchedAndCompleted(t *testing.T) {
	RecordTaskDispatched("static")
	if !metricCounterGreaterOrEqual(t, "orchestrator_dispatcher_tasks_dispatched_total", map[string]string{"analysis_type": "static"}, 1) {
		t.Fatal("expected tasks_dispatched_total to increase")
	}

	RecordTaskCompleted("static", "completed", 2*time.Second)
	if !metricCounterGreaterOrEqual(t, "orchestrator_dispatcher_tasks_completed_total", map[string]string{"analysis_type": "static", "status": "completed"}, 1) {
		t.Fatal("expected tasks_completed_total to increase")
	}
	if !metricHistogramCountGreaterOrEqual(t, "orchestrator_dispatcher_task_duration_seconds", map[string]string{"analysis_type": "static", "status": "completed"}, 1) {
		t.Fatal("expected task_duration_seconds to record a sample")
	}
}

func TestRecordAnalyzerRequest(t *testing.T) {
	RecordAnalyzerRequest("dynamic", "success", 500*time.Millisecond)
	if !metricCounterGreaterOrEqual(t, "orchestrator_analyzer_requests_total", map[string]string{"service": "dynamic", "outcome": "success"}, 1) {
		t.Fatal("expected analyzer requests_total to increase")
	}
	if !metricHistogramCountGreaterOrEqual(t, "orchestrator_analyzer_request_duration_seconds", map[string]string{"service": "dynamic"}, 1) {
		t.Fatal("expected analyzer request_duration_seconds to record a sample")
	}
}

func TestRecordBreakerState(t *testing.T) {
	RecordBreakerState("static", 2)
	if !metricGaugeEquals(t, "orchestrator_breaker_state", map[string]string{"service": "static"}, 2) {
		t.Fatal("expected breaker state gauge to equal 2 (open)")
	}
}

func TestRecordFindingsSkipsZeroCounts(t *testing.T) {
	RecordFindings(map[string]int{"high": 3, "low": 0})
	if !metricCounterGreaterOrEqual(t, "orchestrator_aggregator_findings_total", map[string]string{"severity": "high"}, 3) {
		t.Fatal("expected high severity findings counter to increase by 3")
	}
	if metricCounterGreaterOrEqual(t, "orchestrator_aggregator_findings_total", map[string]string{"severity": "low"}, 1) {
		t.Fatal("zero-count severities should not be recorded")
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
