package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"thefolder.dev/internal/obs"
)

// Ledger gates requests on the monthly quota and records consumption.
type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures Ledger.
type Option func(*Ledger)

// WithClock overrides the time source that selects the monthly period.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckQuota returns false when the balance cannot be read or estimate would exceed the limit.
func (l *Ledger) CheckQuota(ctx context.Context, identityID string, estimate int64) bool {
	bal, err := l.store.Balance(ctx, identityID, Period(l.now()))
	if err != nil {
		obs.FromContext(ctx).Warn("usage balance read failed", "identity_id", identityID, "error", err)
		return false
	}
	return WithinQuota(bal.Used, bal.Limit, estimate)
}

// Commit adds units to the current period. Callers log failures and do not retry.
func (l *Ledger) Commit(ctx context.Context, identityID string, units int64) error {
	if units <= 0 {
		return ErrInvalidUnits
	}
	err := l.store.Add(ctx, identityID, Period(l.now()), units)
	obs.ObserveUsageCommit(units, err)
	if err != nil {
		return fmt.Errorf("usage commit: %w", err)
	}
	return nil
}

// Stats reports the current period's consumption for identityID.
func (l *Ledger) Stats(ctx context.Context, identityID string) (Stats, error) {
	now := l.now()
	bal, err := l.store.Balance(ctx, identityID, Period(now))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Stats{}, err
		}
		return Stats{}, fmt.Errorf("usage stats: %w", err)
	}
	var pct int64
	if bal.Limit > 0 {
		pct = int64(math.Round(float64(bal.Used) / float64(bal.Limit) * 100))
	}
	return Stats{
		CurrentUsage: bal.Used,
		UsageLimit:   bal.Limit,
		Percentage:   pct,
		Period:       Period(now),
		ResetDate:    NextReset(now),
	}, nil
}
