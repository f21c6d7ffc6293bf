package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	errDown   = errors.New("connection refused")
	errBenign = errors.New("row not found")
)

func testConfig() Config {
	cfg := DefaultConfig("ward-db")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errBenign)
	}
	return cfg
}

func TestExecute_PassesResult(t *testing.T) {
	cb, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := Execute(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	var changes []State
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) { changes = append(changes, to) }
	cb, _ := New(cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Run(ctx, func(ctx context.Context) error { return errDown }); !errors.Is(err, errDown) {
			t.Fatalf("attempt %d: expected errDown, got %v", i, err)
		}
	}
	if !cb.IsOpen() {
		t.Fatalf("expected open circuit, state %s", cb.GetState())
	}

	called := false
	err := cb.Run(ctx, func(ctx context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
	if len(changes) != 1 || changes[0] != StateOpen {
		t.Fatalf("unexpected transitions: %v", changes)
	}
}

func TestExecute_BenignErrorsDoNotTrip(t *testing.T) {
	cb, _ := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Run(ctx, func(ctx context.Context) error { return errBenign })
		if !errors.Is(err, errBenign) {
			t.Fatalf("expected errBenign passthrough, got %v", err)
		}
	}
	if cb.IsOpen() {
		t.Fatal("benign errors must not open the circuit")
	}
}

type countingCounter struct {
	noop.Int64Counter
	mu    sync.Mutex
	total int64
}

func (c *countingCounter) Add(ctx context.Context, incr int64, opts ...metric.AddOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += incr
}

func (c *countingCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// countingMeter hands out counters that record their totals by name.
type countingMeter struct {
	noop.Meter
	counters map[string]*countingCounter
}

func (m *countingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	c := &countingCounter{}
	m.counters[name] = c
	return c, nil
}

func TestExecute_FailureMetricFollowsIsSuccessful(t *testing.T) {
	meter := &countingMeter{counters: map[string]*countingCounter{}}
	cfg := testConfig()
	cfg.FailureThreshold = 10
	cb, err := newWithMeter(cfg, nil, meter)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	for _, e := range []error{errBenign, errBenign, errDown, nil} {
		_ = cb.Run(ctx, func(ctx context.Context) error { return e })
	}

	if got := meter.counters["circuit_breaker_requests_total"].value(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
	if got := meter.counters["circuit_breaker_failures_total"].value(); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestManager_Health(t *testing.T) {
	m := NewManager(nil)
	cb, err := m.GetOrCreate("ward-db", testConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, _ := m.GetOrCreate("ward-db", testConfig())
	if cb != again {
		t.Fatal("expected the same breaker for the same name")
	}
	if !m.Healthy() {
		t.Fatal("fresh manager should be healthy")
	}

	for i := 0; i < 2; i++ {
		_ = cb.Run(context.Background(), func(ctx context.Context) error { return errDown })
	}
	if m.Healthy() {
		t.Fatal("open breaker must make the manager unhealthy")
	}
	st := m.GetHealthStatus()
	if len(st) != 1 || st[0].State != StateOpen || st[0].Healthy {
		t.Fatalf("unexpected status: %+v", st)
	}
}
