package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var _ Limiter = (*Local)(nil)

// Local keeps a token bucket per key in process memory.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	now     func() time.Time
}

type bucket struct {
	lim       *rate.Limiter
	perMinute int
	seen      time.Time
}

func NewLocal() *Local {
	return &Local{buckets: make(map[string]*bucket), ttl: 5 * time.Minute, now: time.Now}
}

func (l *Local) Allow(_ context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.perMinute != perMinute {
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute), perMinute: perMinute}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}, nil
}

// Sweep drops buckets idle for longer than the ttl.
func (l *Local) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Local) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
