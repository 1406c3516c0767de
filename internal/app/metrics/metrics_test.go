package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/devpack/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "service_layer_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/devpack",
		"status": "202",
	}, 1) {
		t.Fatalf("expected http request counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "service_layer_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/devpack",
	}, 1) {
		t.Fatalf("expected http duration histogram to record samples")
	}
}

func TestInstrumentHandler_MetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected /metrics path to pass through to handler")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/devpack", "/devpack"},
		{"/devpack/test", "/devpack"},
		{"/devpack/test/more", "/devpack"},
		{"/accounts", "/accounts"},
		{"/accounts/", "/accounts"},
		{"/accounts/123", "/accounts/:account"},
		{"/accounts/123/", "/accounts/:account"},
		{"/accounts/abc/xyz", "/accounts/abc"},
		{"/accounts/abc/xyz/more", "/accounts/abc"},
		{"devpack", "/devpack"},
		{"devpack/", "/devpack"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := canonicalPath(tt.input)
			if result != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	if sr.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2, status: 0}
	n, err := sr2.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes written, got %d", n)
	}
	if sr2.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", sr2.status)
	}

	rec3 := httptest.NewRecorder()
	sr3 := &statusRecorder{ResponseWriter: rec3, status: http.StatusCreated}
	sr3.Write([]byte("test"))
	if sr3.status != http.StatusCreated {
		t.Errorf("expected status 201 preserved, got %d", sr3.status)
	}
}

func TestHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metrics handler to write a non-empty body")
	}
}

func TestObservationHooks(t *testing.T) {
	hooks := ObservationHooks("test_ns", "test_sub", "test_op")

	if hooks.OnStart == nil {
		t.Fatal("OnStart should not be nil")
	}
	if hooks.OnComplete == nil {
		t.Fatal("OnComplete should not be nil")
	}

	hooks.OnStart(nil, map[string]string{"resource": "test-res"})
	hooks.OnComplete(nil, map[string]string{"resource": "test-res"}, nil, 100*time.Millisecond)
	hooks.OnComplete(nil, map[string]string{"resource": "test-res"}, fmt.Errorf("test error"), 50*time.Millisecond)

	if !metricHistogramCountGreaterOrEqual(t, "test_ns_test_sub_test_op_duration_seconds", map[string]string{
		"resource": "test-res",
		"status":   "success",
	}, 1) {
		t.Fatalf("expected success observation to be recorded")
	}
	if !metricHistogramCountGreaterOrEqual(t, "test_ns_test_sub_test_op_duration_seconds", map[string]string{
		"resource": "test-res",
		"status":   "error",
	}, 1) {
		t.Fatalf("expected error observation to be recorded")
	}

	hooks2 := ObservationHooks("test_ns", "test_sub", "test_op")
	if hooks2.OnStart == nil || hooks2.OnComplete == nil {
		t.Fatal("cached hooks should be valid")
	}
}

func TestCoordinatorSettlementAndBenchmarkHooks(t *testing.T) {
	settlement := CoordinatorSettlementHooks()
	settlement.OnStart(nil, map[string]string{"job_id": "job-1", "node_id": "node-1"})
	settlement.OnComplete(nil, map[string]string{"job_id": "job-1", "node_id": "node-1"}, nil, 10*time.Millisecond)
	if !metricHistogramCountGreaterOrEqual(t, "coordinator_credit_settlement_duration_seconds", map[string]string{
		"resource": "job-1",
		"status":   "success",
	}, 1) {
		t.Fatalf("expected settlement hook to label by job_id when resource is absent")
	}

	benchmark := CoordinatorBenchmarkHooks()
	benchmark.OnStart(nil, map[string]string{"node_id": "node-2"})
	benchmark.OnComplete(nil, map[string]string{"node_id": "node-2"}, fmt.Errorf("verify failed"), 5*time.Millisecond)
	if !metricHistogramCountGreaterOrEqual(t, "coordinator_poh_verify_duration_seconds", map[string]string{
		"resource": "node-2",
		"status":   "error",
	}, 1) {
		t.Fatalf("expected benchmark hook to label by node_id when resource and job_id are absent")
	}
}

func TestMetaLabel(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		expected string
	}{
		{"nil map", nil, "unknown"},
		{"empty map", map[string]string{}, "unknown"},
		{"resource present", map[string]string{"resource": "r1"}, "r1"},
		{"resource takes priority over job_id", map[string]string{"resource": "r1", "job_id": "j1"}, "r1"},
		{"job_id used when resource absent", map[string]string{"job_id": "j1"}, "j1"},
		{"node_id used when resource and job_id absent", map[string]string{"node_id": "n1"}, "n1"},
		{"empty resource falls through", map[string]string{"resource": "", "job_id": "j1"}, "j1"},
		{"unrecognized keys only", map[string]string{"other": "x"}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metaLabel(tt.meta); got != tt.expected {
				t.Errorf("metaLabel(%v) = %q, want %q", tt.meta, got, tt.expected)
			}
		})
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
