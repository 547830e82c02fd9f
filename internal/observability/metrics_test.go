package observability

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestMetrics_SpansAndCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	span := m.Start("reserve:seller1")
	span.End(nil)
	span = m.Start("reserve:seller1")
	span.End(errors.New("boom"))

	m.IncOutcome("COMPLETED")
	m.IncOutcome("COMPLETED")
	m.IncOutcome("CANCELLED")
	m.SetGauge("pending_requests", 3)
	m.SetBreakerState("seller1", "OPEN")

	snap := m.Snapshot()
	method := snap.Methods["reserve:seller1"]
	if method.Count != 2 || method.Errors != 1 || method.InFlight != 0 {
		t.Fatalf("method snapshot: %+v", method)
	}
	if snap.TotalRequests != 2 || snap.TotalErrors != 1 {
		t.Fatalf("totals: %+v", snap)
	}
	if snap.Outcomes["COMPLETED"] != 2 || snap.Outcomes["CANCELLED"] != 1 {
		t.Fatalf("outcomes: %+v", snap.Outcomes)
	}
	if snap.Gauges["pending_requests"] != 3 {
		t.Fatalf("gauges: %+v", snap.Gauges)
	}
	if snap.Breakers["seller1"] != "OPEN" {
		t.Fatalf("breakers: %+v", snap.Breakers)
	}
}

func TestMetrics_NilReceiverSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	span := m.Start("anything")
	span.End(nil)
	m.IncOutcome("COMPLETED")
	m.SetGauge("g", 1)
	m.SetBreakerState("p", "CLOSED")
	if snap := m.Snapshot(); snap.TotalRequests != 0 {
		t.Fatalf("nil metrics snapshot: %+v", snap)
	}
}

func TestHandler_ServesSnapshotJSON(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.IncOutcome("FAILED")

	rec := httptest.NewRecorder()
	Handler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Outcomes["FAILED"] != 1 {
		t.Fatalf("snapshot over HTTP: %+v", snap)
	}
}
