package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/obs"
)

// Events recorded for credential and session lifecycle changes.
const (
	EventAPIKeyIssued   = "apikey.issued"
	EventAPIKeyRevoked  = "apikey.revoked"
	EventSessionDeleted = "session.deleted"
)

// LogEvent writes an audit entry enriched with the request id and authenticated identity.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := obs.RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if id, ok := auth.IdentityIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("identity_id", id))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	attrs = append(attrs, slog.Any("fields", copyFields))

	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
