package httpapi

import (
	"errors"
	"net/http"
	"time"

	"thefolder.dev/internal/audit"
	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
)

type issueKeyRequest struct {
	Name string `json:"name"`
}

type usageResponse struct {
	CurrentUsage     int64     `json:"current_usage"`
	UsageLimit       int64     `json:"usage_limit"`
	UsagePercentage  int64     `json:"usage_percentage"`
	Period           string    `json:"period"`
	ResetDate        time.Time `json:"reset_date"`
	SubscriptionTier string    `json:"subscription_tier"`
	TotalSessions    int64     `json:"total_sessions"`
	TotalMessages    int64     `json:"total_messages"`
}

func writeAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, string(orchestrator.KindInvalidInput), "name is required and must be at most 100 characters")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, string(orchestrator.KindNotFound), "not found")
	default:
		obs.FromContext(r.Context()).Error("account operation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, string(orchestrator.KindInternal), "internal error")
	}
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	ident, err := a.auth.Profile(r.Context(), id)
	if err != nil {
		writeAuthFailure(w, r, err)
		return
	}
	if stats, err := a.ledger.Stats(r.Context(), id); err == nil {
		ident.CurrentMonthlyUsage = stats.CurrentUsage
		reset := stats.ResetDate
		ident.UsageResetDate = &reset
	} else {
		obs.FromContext(r.Context()).Warn("usage stats unavailable", "error", err)
	}
	writeData(w, http.StatusOK, ident)
}

func (a *API) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.auth.ListAPIKeys(r.Context(), identity(r))
	if err != nil {
		writeAuthFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, keys)
}

func (a *API) issueAPIKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	issued, err := a.auth.IssueAPIKey(r.Context(), identity(r), req.Name)
	if err != nil {
		writeAuthFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAPIKeyIssued, map[string]any{
		"key_id": issued.Key.ID,
		"name":   issued.Key.Name,
	})
	writeData(w, http.StatusCreated, issued)
}

func (a *API) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.auth.RevokeAPIKey(r.Context(), identity(r), id); err != nil {
		writeAuthFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAPIKeyRevoked, map[string]any{"key_id": id})
	writeData(w, http.StatusOK, map[string]any{"message": "API key revoked"})
}

func (a *API) usageStats(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	stats, err := a.ledger.Stats(r.Context(), id)
	if err != nil {
		obs.FromContext(r.Context()).Error("usage stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, string(orchestrator.KindInternal), "failed to load usage")
		return
	}
	sessions, messages, err := a.chat.Counts(r.Context(), id)
	if err != nil {
		obs.FromContext(r.Context()).Error("chat counts failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, string(orchestrator.KindInternal), "failed to load usage")
		return
	}
	resp := usageResponse{
		CurrentUsage:    stats.CurrentUsage,
		UsageLimit:      stats.UsageLimit,
		UsagePercentage: stats.Percentage,
		Period:          stats.Period,
		ResetDate:       stats.ResetDate,
		TotalSessions:   sessions,
		TotalMessages:   messages,
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		resp.SubscriptionTier = p.Identity.SubscriptionTier
	}
	writeData(w, http.StatusOK, resp)
}
