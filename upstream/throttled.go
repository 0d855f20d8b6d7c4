package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lorma-edu/aiguard/internal/metrics"
	"github.com/lorma-edu/aiguard/internal/throttle"
)

// ErrThrottled matches errors from a client whose outbound call budget is
// exhausted.
var ErrThrottled = errors.New("upstream throttled")

// ThrottledError carries how long the caller should wait before retrying.
type ThrottledError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("upstream %s throttled, retry in %s", e.Upstream, e.RetryAfter)
}

// Is reports whether target is ErrThrottled.
func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// Throttled caps the call rate of the wrapped client with a token bucket.
type Throttled struct {
	next   Client
	bucket *throttle.Bucket
}

// WithThrottle wraps c so that calls beyond the bucket's rate fail fast
// with a *ThrottledError instead of reaching the upstream.
func WithThrottle(c Client, b *throttle.Bucket) *Throttled {
	return &Throttled{next: c, bucket: b}
}

// Name implements Client.
func (t *Throttled) Name() string { return t.next.Name() }

// Unwrap returns the wrapped client.
func (t *Throttled) Unwrap() Client { return t.next }

// Generate implements Client.
func (t *Throttled) Generate(ctx context.Context, req Request) (*Response, error) {
	if ok, wait := t.bucket.Take(); !ok {
		metrics.UpstreamErrors.WithLabelValues(t.Name(), "throttled").Inc()
		return nil, &ThrottledError{Upstream: t.Name(), RetryAfter: wait}
	}
	return t.next.Generate(ctx, req)
}
