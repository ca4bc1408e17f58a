package pg

import (
	"context"
	"database/sql"
	"errors"

	"thefolder.dev/internal/usage"
)

var _ usage.Store = (*UsageStore)(nil)

// UsageStore keeps monthly counters in usage_counters keyed by (user_id, period).
type UsageStore struct {
	db *sql.DB
}

func (s *UsageStore) Balance(ctx context.Context, identityID, period string) (usage.Balance, error) {
	var b usage.Balance
	err := s.db.QueryRowContext(ctx, `
		select coalesce(c.units,0), u.monthly_usage_limit
		from users u
		left join usage_counters c on c.user_id=u.id and c.period=$2
		where u.id=$1
	`, identityID, period).Scan(&b.Used, &b.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Balance{}, usage.ErrNotFound
	}
	if err != nil {
		return usage.Balance{}, err
	}
	return b, nil
}

func (s *UsageStore) Add(ctx context.Context, identityID, period string, units int64) error {
	if units <= 0 {
		return usage.ErrInvalidUnits
	}
	_, err := s.db.ExecContext(ctx, `
		insert into usage_counters(user_id, period, units, updated_at)
		values ($1,$2,$3, now())
		on conflict (user_id, period) do update
		set units = usage_counters.units + excluded.units, updated_at = now()
	`, identityID, period, units)
	return err
}
