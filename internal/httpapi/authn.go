package httpapi

import (
	"net/http"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
)

// RouteLimits are per-identity request allowances per minute for the expensive routes.
type RouteLimits struct {
	Completion int
	Stream     int
	Messages   int
}

// DefaultRouteLimits matches the throttles advertised to API clients.
var DefaultRouteLimits = RouteLimits{Completion: 20, Stream: 10, Messages: 30}

// protect authenticates the request, applies the key's own limit and, when
// perMinute is set, the route limit for the identity.
func (a *API) protect(route string, perMinute int, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := auth.CredentialFrom(r.Header.Get(apiKeyHeader), r.Header.Get(authHeader))
		if cred == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="thefolder"`)
			writeError(w, r, http.StatusUnauthorized, string(orchestrator.KindUnauthorized), "authentication required")
			return
		}
		principal, err := a.auth.Validate(r.Context(), cred)
		if err != nil {
			obs.FromContext(r.Context()).Info("authentication rejected", "error", err)
			msg := "invalid token"
			if _, ok := cred.(auth.APIKeyCredential); ok {
				msg = "invalid API key"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="thefolder"`)
			writeError(w, r, http.StatusUnauthorized, string(orchestrator.KindUnauthorized), msg)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = obs.WithIdentityID(ctx, principal.Identity.ID)
		r = r.WithContext(ctx)

		if k := principal.APIKey; k != nil {
			if !allow(w, r, a.limiter, "key:"+k.ID, k.RateLimitPerMinute) {
				return
			}
		}
		if !allow(w, r, a.limiter, "route:"+route+":"+principal.Identity.ID, perMinute) {
			return
		}
		next(w, r)
	})
}

// identity returns the authenticated identity id set by protect.
func identity(r *http.Request) string {
	id, _ := auth.IdentityIDFromContext(r.Context())
	return id
}
