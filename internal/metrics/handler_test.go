package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandler(t *testing.T) {
	resetRegistry(t)

	m := InitMetrics("test-node", "1.0.0")
	m.ChunkCompleted(100)
	m.QueueDepth.Set(5)

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
		t.Errorf("Unexpected content type: %s", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expectedMetrics := []string{
		"swarmcast_bytes_sent_total",
		"swarmcast_queue_depth",
		"swarmcast_node_info",
		"go_goroutines",
		"process_cpu_seconds",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("Expected metric %s not found in response", metric)
		}
	}

	if !strings.Contains(bodyStr, `swarmcast_bytes_sent_total{node="test-node"} 100`) {
		t.Error("Expected bytes_sent_total with value 100")
	}
	if !strings.Contains(bodyStr, `swarmcast_queue_depth{node="test-node"} 5`) {
		t.Error("Expected queue_depth with value 5")
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestHandler_LabeledMetrics(t *testing.T) {
	resetRegistry(t)

	m := InitMetrics("test-node", "1.0.0")
	m.CarrierSNR.WithLabelValues("3").Set(21.5)
	m.Redistribution("timeout")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Result().Body)
	bodyStr := string(body)

	if !strings.Contains(bodyStr, `swarmcast_carrier_snr_db{carrier="3",node="test-node"} 21.5`) {
		t.Error("Expected carrier_snr_db for carrier 3")
	}
	if !strings.Contains(bodyStr, `swarmcast_redistribution_events_total{kind="timeout",node="test-node"} 1`) {
		t.Error("Expected redistribution_events_total for timeout")
	}
}
