package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	ctx := context.Background()
	ctx = obs.WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{Identity: auth.Identity{ID: "user-42"}})

	if err := LogEvent(ctx, EventAPIKeyIssued, map[string]any{"key_id": "k1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != EventAPIKeyIssued {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["identity_id"] != "user-42" {
		t.Fatalf("unexpected identity id: %v", entry["identity_id"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("expected ts field")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["key_id"] != "k1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
