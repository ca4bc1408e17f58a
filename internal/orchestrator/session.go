package orchestrator

import (
	"context"
	"strings"
	"unicode/utf8"

	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/obs"
	"thefolder.dev/internal/provider"
)

// CreateSession opens a session owned by identityID.
func (o *Orchestrator) CreateSession(ctx context.Context, identityID string, req CreateSessionRequest) (*chat.Session, error) {
	if err := requireIdentity(identityID); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	s := &chat.Session{
		UserID:       identityID,
		Title:        strings.TrimSpace(req.Title),
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	}
	if s.Model == "" {
		s.Model = o.defaults.Model
	}
	if err := o.repo.CreateSession(ctx, s); err != nil {
		return nil, fromRepository(err, true)
	}
	return s, nil
}

// ListSessions returns the caller's active sessions, most recently updated first.
func (o *Orchestrator) ListSessions(ctx context.Context, identityID string, limit int) ([]*chat.Session, error) {
	if err := requireIdentity(identityID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = chat.DefaultSessionLimit
	}
	sessions, err := o.repo.ListSessions(ctx, identityID, limit)
	if err != nil {
		return nil, fromRepository(err, false)
	}
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	return sessions, nil
}

// GetSession returns an owned session with its history.
func (o *Orchestrator) GetSession(ctx context.Context, identityID, sessionID string) (SessionView, error) {
	if err := requireIdentity(identityID); err != nil {
		return SessionView{}, err
	}
	s, err := o.repo.GetSession(ctx, sessionID, identityID)
	if err != nil {
		return SessionView{}, fromRepository(err, false)
	}
	msgs, err := o.repo.ListMessages(ctx, sessionID, identityID, chat.DefaultHistoryLimit)
	if err != nil {
		return SessionView{}, fromRepository(err, false)
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	return SessionView{Session: s, Messages: msgs}, nil
}

// RenameSession changes the title of an owned session.
func (o *Orchestrator) RenameSession(ctx context.Context, identityID, sessionID, title string) (*chat.Session, error) {
	if err := requireIdentity(identityID); err != nil {
		return nil, err
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if _, err := o.repo.GetSession(ctx, sessionID, identityID); err != nil {
		return nil, fromRepository(err, false)
	}
	if err := o.repo.UpdateTitle(ctx, sessionID, identityID, strings.TrimSpace(title)); err != nil {
		return nil, fromRepository(err, true)
	}
	s, err := o.repo.GetSession(ctx, sessionID, identityID)
	if err != nil {
		return nil, fromRepository(err, false)
	}
	return s, nil
}

// DeleteSession deactivates an owned session.
func (o *Orchestrator) DeleteSession(ctx context.Context, identityID, sessionID string) error {
	if err := requireIdentity(identityID); err != nil {
		return err
	}
	if _, err := o.repo.GetSession(ctx, sessionID, identityID); err != nil {
		return fromRepository(err, false)
	}
	if err := o.repo.Deactivate(ctx, sessionID, identityID); err != nil {
		return fromRepository(err, true)
	}
	return nil
}

// SendMessage appends a user message to an owned session, generates the reply
// from the ordered history and stores it.
func (o *Orchestrator) SendMessage(ctx context.Context, identityID, sessionID string, req MessageRequest) (Exchange, error) {
	if err := requireIdentity(identityID); err != nil {
		return Exchange{}, err
	}
	if err := req.validate(); err != nil {
		return Exchange{}, err
	}
	if req.SessionID != "" && req.SessionID != sessionID {
		return Exchange{}, newError(KindInvalidInput, "sessionId does not match the session in the path", nil)
	}
	est, err := o.preflight(ctx, identityID, req.Message)
	if err != nil {
		obs.ObserveCompletion("session", string(KindQuotaExceeded))
		return Exchange{}, err
	}

	session, err := o.repo.GetSession(ctx, sessionID, identityID)
	if err != nil {
		return Exchange{}, fromRepository(err, false)
	}
	userMsg, err := o.repo.AppendMessage(ctx, identityID, &chat.Message{
		SessionID:  session.ID,
		Role:       chat.RoleUser,
		Content:    req.Message,
		TokensUsed: est,
	})
	if err != nil {
		return Exchange{}, fromRepository(err, true)
	}
	history, err := o.repo.ListMessages(ctx, session.ID, identityID, chat.DefaultHistoryLimit)
	if err != nil {
		return Exchange{}, fromRepository(err, false)
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	if session.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: string(chat.RoleSystem), Content: session.SystemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	model, temp, maxTokens := o.resolve(session.Model, req.Temperature, req.MaxTokens)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	res, err := o.provider.Generate(callCtx, provider.Request{
		Model:       model,
		Messages:    msgs,
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		e := fromProvider(err)
		obs.FromContext(ctx).Warn("session completion failed", "session_id", session.ID, "kind", e.Kind, "error", err)
		obs.ObserveCompletion("session", string(e.Kind))
		return Exchange{}, e
	}

	assistant, appendErr := o.repo.AppendMessage(ctx, identityID, &chat.Message{
		SessionID:  session.ID,
		Role:       chat.RoleAssistant,
		Content:    res.Text,
		TokensUsed: res.Usage.TotalTokens,
		Metadata: map[string]any{
			"usage":         res.Usage,
			"finish_reason": res.FinishReason,
		},
	})
	units := billable(res.Usage, est)
	recorded := o.commit(ctx, identityID, units, "session_id", session.ID)

	if appendErr != nil {
		// Generated text was paid for but not stored.
		obs.FromContext(ctx).Error("assistant message not persisted",
			"session_id", session.ID,
			"identity_id", identityID,
			"user_message_id", userMsg.ID,
			"content_chars", utf8.RuneCountInString(res.Text),
			"total_tokens", res.Usage.TotalTokens,
			"usage_recorded", recorded,
			"error", appendErr,
		)
		obs.ObserveCompletion("session", string(KindPersistence))
		return Exchange{}, newError(KindPersistence, "failed to store assistant reply", appendErr)
	}
	obs.ObserveCompletion("session", "ok")
	return Exchange{
		SessionID:        session.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistant,
		Usage:            res.Usage,
		UsageRecorded:    recorded,
	}, nil
}
