package usage

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Balance is the consumption of one identity within a monthly period.
type Balance struct {
	Used  int64
	Limit int64
}

// Stats is the account-level view returned to callers.
type Stats struct {
	CurrentUsage int64     `json:"current_usage"`
	UsageLimit   int64     `json:"usage_limit"`
	Percentage   int64     `json:"usage_percentage"`
	Period       string    `json:"period"`
	ResetDate    time.Time `json:"reset_date"`
}

// Store persists cumulative usage keyed by identity and period ("2006-01").
type Store interface {
	Balance(ctx context.Context, identityID, period string) (Balance, error)
	// Add upserts units onto the period counter.
	Add(ctx context.Context, identityID, period string, units int64) error
}

var (
	ErrNotFound     = errors.New("usage: identity not found")
	ErrInvalidUnits = errors.New("usage: units must be positive")
)

// Estimate approximates units as the rune count of all contents divided by four, rounded up.
func Estimate(contents ...string) int64 {
	var n int64
	for _, c := range contents {
		n += int64(utf8.RuneCountInString(c))
	}
	return (n + 3) / 4
}

// WithinQuota reports whether estimate more units still fit under limit.
func WithinQuota(current, limit, estimate int64) bool {
	return current+estimate <= limit
}

// Period returns the monthly bucket for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextReset returns the first instant of the month after t.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
