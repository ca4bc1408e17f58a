package httpapi

import (
	"net/http"

	"thefolder.dev/internal/audit"
	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/orchestrator"
	"thefolder.dev/internal/relay"
)

type renameRequest struct {
	Title string `json:"title"`
}

func (a *API) createCompletion(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.orch.Complete(r.Context(), identity(r), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (a *API) streamCompletion(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sse, err := relay.NewSSE(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, string(orchestrator.KindInternal), "streaming unsupported")
		return
	}
	res, err := a.orch.Stream(r.Context(), identity(r), req, sse)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	obs.FromContext(r.Context()).Info("stream finished",
		"deltas", res.Deltas,
		"completed", res.Completed,
		"cancelled", res.Cancelled,
		"units", res.UnitsRecorded,
		"duration_ms", res.Duration.Milliseconds(),
	)
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := a.orch.CreateSession(r.Context(), identity(r), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, s)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), chat.DefaultSessionLimit, 1, chat.DefaultSessionLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(orchestrator.KindInvalidInput), err.Error())
		return
	}
	sessions, err := a.orch.ListSessions(r.Context(), identity(r), limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.orch.GetSession(r.Context(), identity(r), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ex, err := a.orch.SendMessage(r.Context(), identity(r), r.PathValue("id"), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ex)
}

func (a *API) renameSession(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := a.orch.RenameSession(r.Context(), identity(r), r.PathValue("id"), req.Title)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.orch.DeleteSession(r.Context(), identity(r), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSessionDeleted, map[string]any{"session_id": id})
	writeData(w, http.StatusOK, map[string]any{"message": "Chat session deleted successfully"})
}
