package auth

import "strings"

// Credential is either an APIKeyCredential or a BearerCredential.
type Credential interface {
	credential()
}

// APIKeyCredential carries a raw key taken from the X-API-Key header.
type APIKeyCredential struct {
	Key string
}

// BearerCredential carries an identity-provider token from the Authorization header.
type BearerCredential struct {
	Token string
}

func (APIKeyCredential) credential() {}
func (BearerCredential) credential() {}

// CredentialFrom picks the credential to honor. A non-empty API key wins and the
// authorization header is then ignored. It returns nil when neither is usable.
func CredentialFrom(apiKey, authorization string) Credential {
	if key := strings.TrimSpace(apiKey); key != "" {
		return APIKeyCredential{Key: key}
	}
	authorization = strings.TrimSpace(authorization)
	const scheme = "bearer "
	if len(authorization) <= len(scheme) || !strings.EqualFold(authorization[:len(scheme)], scheme) {
		return nil
	}
	if token := strings.TrimSpace(authorization[len(scheme):]); token != "" {
		return BearerCredential{Token: token}
	}
	return nil
}
