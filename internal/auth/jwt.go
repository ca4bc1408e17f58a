package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityProvider exchanges a bearer token for the subject it was issued to.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// JWTProvider verifies HS256 tokens signed with the identity provider's shared secret.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// JWTOption configures JWTProvider.
type JWTOption func(*JWTProvider)

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) JWTOption {
	return func(p *JWTProvider) { p.issuer = strings.TrimSpace(iss) }
}

// WithAudience requires aud to contain the value, "authenticated" for Supabase.
func WithAudience(aud string) JWTOption {
	return func(p *JWTProvider) { p.audience = strings.TrimSpace(aud) }
}

func WithLeeway(d time.Duration) JWTOption {
	return func(p *JWTProvider) { p.leeway = d }
}

func withJWTClock(now func() time.Time) JWTOption {
	return func(p *JWTProvider) { p.now = now }
}

func NewJWTProvider(secret string, opts ...JWTOption) (*JWTProvider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	p := &JWTProvider{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *JWTProvider) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(p.leeway))
	}
	if p.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(p.audience))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// SignTestToken issues an HS256 token for subject; used by local tooling and tests.
func SignTestToken(secret, subject, audience string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
