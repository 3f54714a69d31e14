package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/swarmcast/swarmcast/internal/metrics"
	"github.com/swarmcast/swarmcast/internal/redistribution"
	"github.com/swarmcast/swarmcast/internal/scheduler"
	"github.com/swarmcast/swarmcast/internal/tracing"
)

type fakeSource struct{}

func (fakeSource) GetAllocationStatus() scheduler.AllocationStatus {
	return scheduler.AllocationStatus{Active: 2, Completed: 7, Queued: 3, Throughput: 2048}
}

func (fakeSource) GetCarrierAllocations() map[int]scheduler.Allocation {
	return map[int]scheduler.Allocation{
		5: {CarrierID: 5, ChunkID: "piece-2", Status: scheduler.StatusTransmitting, Quality: 18},
		1: {CarrierID: 1, ChunkID: "piece-9", Status: scheduler.StatusTransmitting, Quality: 24},
	}
}

func (fakeSource) Statistics() redistribution.Stats {
	return redistribution.Stats{TotalEvents: 4, ByKind: map[string]int{"timeout": 4}, AverageRetries: 1.5}
}

func (fakeSource) EstimatedCompletion() time.Duration {
	return 90 * time.Second
}

func startServer(t *testing.T, source StatusSource) *AdminServer {
	t.Helper()
	server := NewAdminServer(source, nil, zerolog.Nop())
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func get(t *testing.T, server *AdminServer, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	if err != nil {
		t.Fatalf("Failed to get %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestNewAdminServer(t *testing.T) {
	server := NewAdminServer(nil, nil, zerolog.Nop())
	if server == nil {
		t.Fatal("NewAdminServer returned nil")
	}
	if server.mux == nil {
		t.Error("mux is nil")
	}
	if server.Addr() != "" {
		t.Errorf("Expected empty address before Start, got %q", server.Addr())
	}
}

func TestAdminServer_HealthEndpoint(t *testing.T) {
	server := startServer(t, nil)

	resp, body := get(t, server, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "ok") {
		t.Errorf("Expected body to contain 'ok', got: %s", body)
	}
}

func TestAdminServer_MetricsEndpoint(t *testing.T) {
	// Reset metrics registry for test
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = oldRegistry }()

	metrics.Registry.MustRegister(collectors.NewGoCollector())
	m := metrics.InitMetrics("test-node", "1.0.0")
	m.QueueDepth.Set(3)

	server := startServer(t, nil)

	resp, body := get(t, server, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "swarmcast_queue_depth") {
		t.Error("Expected swarmcast_queue_depth metric")
	}
	if !strings.Contains(bodyStr, "swarmcast_node_info") {
		t.Error("Expected swarmcast_node_info metric")
	}
}

func TestAdminServer_StatusEndpoint(t *testing.T) {
	server := startServer(t, fakeSource{})

	resp, body := get(t, server, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Allocations.Completed != 7 || status.Allocations.Active != 2 {
		t.Errorf("Unexpected allocations: %+v", status.Allocations)
	}
	if status.Redistribution.TotalEvents != 4 {
		t.Errorf("Expected 4 redistribution events, got %d", status.Redistribution.TotalEvents)
	}
	if status.EstimatedCompletion != "1m30s" {
		t.Errorf("Expected estimated completion 1m30s, got %q", status.EstimatedCompletion)
	}
}

func TestAdminServer_CarriersEndpoint(t *testing.T) {
	server := startServer(t, fakeSource{})

	_, body := get(t, server, "/carriers")

	var carriers []CarrierAllocation
	if err := json.Unmarshal(body, &carriers); err != nil {
		t.Fatalf("Failed to decode carriers: %v", err)
	}
	if len(carriers) != 2 {
		t.Fatalf("Expected 2 carriers, got %d", len(carriers))
	}
	if carriers[0].CarrierID != 1 || carriers[1].CarrierID != 5 {
		t.Errorf("Expected carriers sorted by id, got %+v", carriers)
	}
	if carriers[0].Status != "transmitting" {
		t.Errorf("Expected status transmitting, got %q", carriers[0].Status)
	}
}

func TestAdminServer_StatusWithoutSource(t *testing.T) {
	server := startServer(t, nil)

	resp, _ := get(t, server, "/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a status source, got %d", resp.StatusCode)
	}
}

func TestAdminServer_StartStop(t *testing.T) {
	server := NewAdminServer(nil, nil, zerolog.Nop())

	// Stop before start is a no-op
	if err := server.Stop(); err != nil {
		t.Errorf("Stop before Start failed: %v", err)
	}

	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	addr := server.Addr()

	if err := server.Stop(); err != nil {
		t.Errorf("Failed to stop server: %v", err)
	}

	client := http.Client{Timeout: time.Second}
	if resp, err := client.Get("http://" + addr + "/health"); err == nil {
		_ = resp.Body.Close()
		t.Error("Expected request to fail after Stop")
	}
}

func TestAdminServer_StartBindError(t *testing.T) {
	first := startServer(t, nil)

	second := NewAdminServer(nil, nil, zerolog.Nop())
	if err := second.Start(first.Addr()); err == nil {
		_ = second.Stop()
		t.Fatal("Expected bind error for an address already in use")
	}
}

func TestAdminServer_TraceEndpoint_Disabled(t *testing.T) {
	server := startServer(t, nil)

	resp, _ := get(t, server, "/debug/trace")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestAdminServer_TraceEndpoint_Enabled(t *testing.T) {
	recorder, err := tracing.Start(0, 0)
	if err != nil {
		t.Fatalf("Failed to start recorder: %v", err)
	}
	defer recorder.Stop()

	server := NewAdminServer(nil, recorder, zerolog.Nop())
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() { _ = server.Stop() }()

	resp, body := get(t, server, "/debug/trace")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Expected octet-stream, got %q", ct)
	}
	if len(body) == 0 {
		t.Error("Expected trace data")
	}
}
