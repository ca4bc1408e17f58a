package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"thefolder.dev/internal/obs"
)

const (
	DefaultKeyRateLimit = 20
	maxKeyNameLen       = 100

	issuedKeyNotice = "API key generated successfully. Please store it securely as it will not be shown again."
)

// Service validates credentials and manages API keys.
type Service struct {
	store       Store
	provider    IdentityProvider
	now         func() time.Time
	defaultRate int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIdentityProvider enables bearer-token credentials.
func WithIdentityProvider(p IdentityProvider) ServiceOption {
	return func(s *Service) error {
		s.provider = p
		return nil
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("auth: clock is nil")
		}
		s.now = now
		return nil
	}
}

// WithDefaultKeyRateLimit sets the per-minute limit stored on newly issued keys.
func WithDefaultKeyRateLimit(perMinute int) ServiceOption {
	return func(s *Service) error {
		if perMinute > 0 {
			s.defaultRate = perMinute
		}
		return nil
	}
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &Service{store: store, now: time.Now, defaultRate: DefaultKeyRateLimit}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SupportsTokens reports whether bearer tokens can be validated.
func (s *Service) SupportsTokens() bool {
	return s != nil && s.provider != nil
}

// Validate resolves a credential to an active principal. Every failure is ErrUnauthorized.
func (s *Service) Validate(ctx context.Context, cred Credential) (Principal, error) {
	switch c := cred.(type) {
	case APIKeyCredential:
		return s.validateAPIKey(ctx, c.Key)
	case BearerCredential:
		return s.validateBearer(ctx, c.Token)
	default:
		return Principal{}, fmt.Errorf("%w: authentication required", ErrUnauthorized)
	}
}

func (s *Service) validateAPIKey(ctx context.Context, raw string) (Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return Principal{}, fmt.Errorf("%w: authentication required", ErrUnauthorized)
	}
	key, err := s.store.APIKeys(ctx).FindByHash(ctx, HashAPIKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
		}
		return Principal{}, fmt.Errorf("%w: key lookup: %v", ErrUnauthorized, err)
	}
	now := s.now().UTC()
	if !key.Active {
		return Principal{}, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
	}
	if key.Expired(now) {
		return Principal{}, fmt.Errorf("%w: API key expired", ErrUnauthorized)
	}
	ident, err := s.activeIdentity(ctx, key.UserID)
	if err != nil {
		return Principal{}, err
	}

	if err := s.store.APIKeys(ctx).Touch(ctx, key.ID, now); err != nil {
		obs.FromContext(ctx).Warn("api key touch failed", "key_id", key.ID, "error", err)
	} else {
		key.LastUsedAt = &now
		key.UsageCount++
	}
	return Principal{Identity: *ident, APIKey: key}, nil
}

func (s *Service) validateBearer(ctx context.Context, token string) (Principal, error) {
	if s.provider == nil {
		return Principal{}, fmt.Errorf("%w: bearer tokens are not accepted", ErrUnauthorized)
	}
	subject, err := s.provider.Verify(ctx, token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	ident, err := s.activeIdentity(ctx, subject)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Identity: *ident}, nil
}

func (s *Service) activeIdentity(ctx context.Context, id string) (*Identity, error) {
	ident, err := s.store.Identities(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: user not found", ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: user lookup: %v", ErrUnauthorized, err)
	}
	if !ident.Active {
		return nil, fmt.Errorf("%w: user account is inactive", ErrUnauthorized)
	}
	return ident, nil
}

// Profile returns the identity record for id.
func (s *Service) Profile(ctx context.Context, id string) (Identity, error) {
	ident, err := s.store.Identities(ctx).Find(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	return *ident, nil
}

// IssueAPIKey creates a key for userID and returns its secret exactly once.
func (s *Service) IssueAPIKey(ctx context.Context, userID, name string) (IssuedKey, error) {
	name = strings.TrimSpace(name)
	if userID == "" || name == "" || len([]rune(name)) > maxKeyNameLen {
		return IssuedKey{}, fmt.Errorf("%w: name is required and must be at most %d characters", ErrInvalidInput, maxKeyNameLen)
	}
	if _, err := s.store.Identities(ctx).Find(ctx, userID); err != nil {
		return IssuedKey{}, err
	}
	secret, hash, err := GenerateAPIKey()
	if err != nil {
		return IssuedKey{}, err
	}
	key := &APIKey{
		UserID:             userID,
		KeyHash:            hash,
		Name:               name,
		Active:             true,
		RateLimitPerMinute: s.defaultRate,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.APIKeys(ctx).Create(ctx, key); err != nil {
		return IssuedKey{}, fmt.Errorf("create api key: %w", err)
	}
	return IssuedKey{Key: *key, Secret: secret, Message: issuedKeyNotice}, nil
}

// ListAPIKeys returns the active keys of userID, newest first.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	keys, err := s.store.APIKeys(ctx).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, *k)
	}
	return out, nil
}

// RevokeAPIKey deactivates keyID if userID owns it.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	if strings.TrimSpace(keyID) == "" {
		return ErrInvalidInput
	}
	return s.store.APIKeys(ctx).Deactivate(ctx, keyID, userID)
}
