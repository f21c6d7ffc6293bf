package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/epis/medadmin/pkg/circuitbreaker"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveResolve("patient", "ok", 3*time.Millisecond)
	m.ObserveResolve("patient", "ok", time.Millisecond)
	m.ObserveRecord("inserted", time.Millisecond)
	m.ObserveRecord("invalid_input", time.Millisecond)
	m.SetBreakerState("ward-db", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	out := scrape(t, m)
	for _, want := range []string{
		`dose_resolve_total{outcome="ok",scope="patient"} 2`,
		`administration_record_total{outcome="invalid_input"} 1`,
		`circuit_breaker_state{name="ward-db"} 1`,
		`medadmin_operation_duration_seconds_count{operation="record"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRecord("updated", time.Millisecond)

	if out := scrape(t, m); !strings.Contains(out, `administration_record_total{outcome="updated"} 1`) {
		t.Fatalf("metric missing from output:\n%s", out)
	}
}
