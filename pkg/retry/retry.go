// Package retry provides bounded in-process retries with jittered
// exponential backoff. The failsafe pipeline in pkg/http covers remote
// calls; this package covers work that already lives inside the
// daemon, cache revalidation above all, where a full circuit breaker
// would be overkill.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the transport retry budget so a stale cache
// entry is not retried for longer than the read that produced it.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// normalized clamps nonsensical values so a zeroed or partially set
// policy still runs the operation at least once.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// IsTransientFunc reports whether an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. fn always runs
// at least once; non-transient errors return immediately.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	policy = policy.normalized()

	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// backoff + random(0, 50% of backoff)
		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		sleepTime := backoff + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
