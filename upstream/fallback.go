package upstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lorma-edu/aiguard/internal/logging"
)

// Fallback tries each client in order, retrying a client with exponential
// backoff before moving to the next one.
type Fallback struct {
	clients []Client
	retries int
	backoff time.Duration
}

// NewFallback builds a chain over clients. The first client is the primary
// and gives the chain its name. attempts is the number of tries per client;
// values below one mean a single try.
func NewFallback(clients []Client, attempts int) *Fallback {
	return &Fallback{clients: clients, retries: max(attempts, 1), backoff: 100 * time.Millisecond}
}

// Name implements Client.
func (f *Fallback) Name() string {
	if len(f.clients) == 0 {
		return "fallback"
	}
	return f.clients[0].Name()
}

// Generate implements Client.
func (f *Fallback) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(f.clients) == 0 {
		return nil, ErrNoUpstream
	}

	var lastErr error
	for _, c := range f.clients {
		for attempt := 0; attempt < f.retries; attempt++ {
			if attempt > 0 {
				wait := time.Duration(math.Pow(2, float64(attempt-1))) * f.backoff
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				logging.FromContext(ctx).Info("retrying upstream", "upstream", c.Name(), "attempt", attempt+1)
			}

			resp, err := c.Generate(ctx, req)
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = fmt.Errorf("upstream %s attempt %d: %w", c.Name(), attempt+1, err)
			// Throttled clients are not retried.
			if errors.Is(err, ErrThrottled) {
				break
			}
		}
		logging.FromContext(ctx).Warn("upstream failed, falling back", "upstream", c.Name(), "error", lastErr)
	}
	return nil, fmt.Errorf("all upstreams failed: %w", lastErr)
}
