package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	APIKeys(ctx context.Context) APIKeyStore
}

// IdentityStore reads accounts. Identities are provisioned by the identity provider.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
}

// APIKeyStore manages issued keys. Keys are never deleted.
type APIKeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	// Touch sets last_used_at and increments usage_count.
	Touch(ctx context.Context, id string, at time.Time) error
	// Deactivate revokes a key owned by userID.
	Deactivate(ctx context.Context, id, userID string) error
}
