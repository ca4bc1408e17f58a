package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces perMinute requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (Decision, error)
}
