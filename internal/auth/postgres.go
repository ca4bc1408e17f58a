package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"thefolder.dev/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities(context.Context) IdentityStore { return &identityStore{db: s.db} }
func (s *PGStore) APIKeys(context.Context) APIKeyStore      { return &apiKeyStore{db: s.db} }

// Identity store -----------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, email, coalesce(full_name, ''), is_active, subscription_tier,
	monthly_usage_limit, usage_reset_date, created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, u *Identity) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, full_name, is_active, subscription_tier, monthly_usage_limit)
		 values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Email, u.FullName, u.Active, u.SubscriptionTier, u.MonthlyUsageLimit,
	)
	return err
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from users where id=$1`, id)
	var (
		u     Identity
		reset sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Active, &u.SubscriptionTier,
		&u.MonthlyUsageLimit, &reset, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if reset.Valid {
		t := reset.Time
		u.UsageResetDate = &t
	}
	return &u, nil
}

// API key store ------------------------------------------------------------
type apiKeyStore struct{ db *sql.DB }

const apiKeyColumns = `id, user_id, key_hash, name, is_active, expires_at, usage_count,
	last_used_at, rate_limit_per_minute, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		k        APIKey
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	if err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &k.Active, &expires, &k.UsageCount,
		&lastUsed, &k.RateLimitPerMinute, &k.CreatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func (s *apiKeyStore) Create(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = ids.New()
	}
	var expires any
	if k.ExpiresAt != nil {
		expires = *k.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`insert into api_keys(id, user_id, key_hash, name, is_active, expires_at, rate_limit_per_minute, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		k.ID, k.UserID, k.KeyHash, k.Name, k.Active, expires, k.RateLimitPerMinute, k.CreatedAt,
	)
	return err
}

func (s *apiKeyStore) FindByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `select `+apiKeyColumns+` from api_keys where key_hash=$1`, hash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *apiKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys where user_id=$1 and is_active order by created_at desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (s *apiKeyStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update api_keys set last_used_at=$2, usage_count=usage_count+1 where id=$1`, id, at)
	return err
}

func (s *apiKeyStore) Deactivate(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set is_active=false where id=$1 and user_id=$2 and is_active`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
