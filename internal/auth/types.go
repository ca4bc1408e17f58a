package auth

import "time"

// Identity is an account that can be authenticated and consumes quota.
type Identity struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	FullName            string     `json:"full_name,omitempty"`
	Active              bool       `json:"is_active"`
	SubscriptionTier    string     `json:"subscription_tier"`
	MonthlyUsageLimit   int64      `json:"monthly_usage_limit"`
	CurrentMonthlyUsage int64      `json:"current_monthly_usage"`
	UsageResetDate      *time.Time `json:"usage_reset_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// APIKey is the stored form of an issued key. Only KeyHash identifies the secret.
type APIKey struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	KeyHash            string     `json:"-"`
	Name               string     `json:"name"`
	Active             bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	UsageCount         int64      `json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// IssuedKey is returned once from IssueAPIKey; Secret is never retrievable again.
type IssuedKey struct {
	Key     APIKey `json:"key"`
	Secret  string `json:"api_key"`
	Message string `json:"message"`
}

// Principal is the outcome of a successful validation.
type Principal struct {
	Identity Identity
	// APIKey is set when the request authenticated with an API key.
	APIKey *APIKey
}
