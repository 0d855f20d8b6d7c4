package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/lorma-edu/aiguard/internal/circuitbreaker"
	"github.com/lorma-edu/aiguard/internal/metrics"
)

// Breaker wraps a Client with a circuit breaker and records upstream metrics.
type Breaker struct {
	next Client
	cb   *circuitbreaker.CircuitBreaker
}

// WithBreaker guards c with a breaker built from s. State changes are
// exported on the aiguard_circuit_breaker_state gauge.
func WithBreaker(c Client, s circuitbreaker.Settings) *Breaker {
	name := c.Name()
	user := s.OnStateChange
	s.OnStateChange = func(st circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(st))
		if user != nil {
			user(st)
		}
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return &Breaker{next: c, cb: circuitbreaker.NewWithSettings(s)}
}

// Name implements Client.
func (b *Breaker) Name() string { return b.next.Name() }

// State returns the breaker state.
func (b *Breaker) State() circuitbreaker.State { return b.cb.State() }

// Generate implements Client.
func (b *Breaker) Generate(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	start := time.Now()
	err := b.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = b.next.Generate(ctx, req)
		return err
	})
	switch {
	case err == nil:
		metrics.UpstreamDuration.WithLabelValues(b.Name(), req.Model).Observe(time.Since(start).Seconds())
		metrics.UpstreamTokens.WithLabelValues(b.Name(), req.Model).Add(float64(resp.Usage.TotalTokens))
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		metrics.UpstreamErrors.WithLabelValues(b.Name(), "circuit_open").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metrics.UpstreamErrors.WithLabelValues(b.Name(), "timeout").Inc()
	default:
		metrics.UpstreamErrors.WithLabelValues(b.Name(), "provider_error").Inc()
	}
	return resp, err
}
