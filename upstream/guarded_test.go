package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lorma-edu/aiguard/internal/circuitbreaker"
	"github.com/lorma-edu/aiguard/internal/metrics"
)

func TestBreaker_OpensAfterFailures(t *testing.T) {
	stub := &stubClient{name: "flaky-test", err: errors.New("500 from provider")}
	var states []circuitbreaker.State
	b := WithBreaker(stub, circuitbreaker.Settings{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		OnStateChange:    func(s circuitbreaker.State) { states = append(states, s) },
	})

	for i := 0; i < 2; i++ {
		if _, err := b.Generate(context.Background(), Request{Model: "m", Prompt: "p"}); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if len(states) != 1 || states[0] != circuitbreaker.StateOpen {
		t.Fatalf("state changes = %v", states)
	}

	_, err := b.Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if len(stub.reqs) != 2 {
		t.Fatalf("upstream called %d times, want 2", len(stub.reqs))
	}

	if got := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("flaky-test", "provider_error")); got != 2 {
		t.Fatalf("provider_error count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("flaky-test", "circuit_open")); got != 1 {
		t.Fatalf("circuit_open count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("flaky-test")); got != float64(circuitbreaker.StateOpen) {
		t.Fatalf("state gauge = %v, want open", got)
	}
}

func TestBreaker_SuccessRecordsTokens(t *testing.T) {
	stub := &stubClient{name: "steady-test", resp: &Response{Text: "ok", Usage: Usage{TotalTokens: 42}}}
	b := WithBreaker(stub, circuitbreaker.Settings{})

	resp, err := b.Generate(context.Background(), Request{Model: "steady-model", Prompt: "p"})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("Generate = %+v, %v", resp, err)
	}
	if got := testutil.ToFloat64(metrics.UpstreamTokens.WithLabelValues("steady-test", "steady-model")); got != 42 {
		t.Fatalf("tokens = %v, want 42", got)
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}
