package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const apiKeyPrefix = "sk-"

// HashAPIKey returns the lookup hash stored for a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new secret of the form sk-<64 hex chars> and its hash.
func GenerateAPIKey() (secret, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	secret = apiKeyPrefix + hex.EncodeToString(buf)
	return secret, HashAPIKey(secret), nil
}
