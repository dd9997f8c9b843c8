package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RetriesAndSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := New(Config{
		Retry:   RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond},
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Metrics: m,
	})

	attempts := 0
	_, err := Do(t.Context(), c, Call{Endpoint: "grade"}, func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errUnavailable
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if got := testutil.ToFloat64(m.Retries.WithLabelValues("grade", "network")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Calls.WithLabelValues("grade", "success")); got != 1 {
		t.Errorf("successes = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.Calls); n != 1 {
		t.Errorf("call series = %d, want 1", n)
	}
}

func TestMetrics_BreakerState(t *testing.T) {
	m := NewMetrics(nil)
	c := New(Config{
		Breaker: BreakerConfig{Threshold: 1, CoolDown: time.Hour},
		Retry:   RetryPolicy{MaxAttempts: 1},
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Metrics: m,
	})

	fail := func(context.Context) (int, error) { return 0, errUnavailable }
	if _, err := Do(t.Context(), c, Call{Endpoint: "parse"}, fail); err == nil {
		t.Fatal("first call should fail")
	}
	if got := testutil.ToFloat64(m.Breaker.WithLabelValues("parse")); got != float64(StateOpen) {
		t.Errorf("breaker gauge = %v, want %v", got, float64(StateOpen))
	}

	_, err := Do(t.Context(), c, Call{Endpoint: "parse"}, fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call err = %v, want circuit open", err)
	}
	if got := testutil.ToFloat64(m.Calls.WithLabelValues("parse", "exhausted")); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Calls.WithLabelValues("parse", "circuit_open")); got != 1 {
		t.Errorf("circuit_open = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.call("grade", "success")
	m.retry("grade", KindNetwork)
	m.state("grade", StateOpen)
}
