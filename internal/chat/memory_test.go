package chat

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newSession(t *testing.T, r Repository, owner, title string) *Session {
	t.Helper()
	s := &Session{UserID: owner, Title: title, Model: "gpt-4o"}
	if err := r.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestSessionOwnership(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()
	s := newSession(t, r, "alice", "Trip planning")
	if !s.Active || s.MessageCount != 0 {
		t.Fatalf("unexpected new session %+v", s)
	}

	if _, err := r.GetSession(ctx, s.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner lookup must be ErrNotFound, got %v", err)
	}
	if _, err := r.AppendMessage(ctx, "bob", &Message{SessionID: s.ID, Role: RoleUser, Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner append must be ErrNotFound, got %v", err)
	}
	if _, err := r.ListMessages(ctx, s.ID, "bob", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner history must be ErrNotFound, got %v", err)
	}
	if err := r.UpdateTitle(ctx, s.ID, "bob", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner rename must be ErrNotFound, got %v", err)
	}
	if err := r.Deactivate(ctx, s.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner delete must be ErrNotFound, got %v", err)
	}
	got, err := r.GetSession(ctx, s.ID, "alice")
	if err != nil || got.Title != "Trip planning" {
		t.Fatalf("owner lookup failed: %+v %v", got, err)
	}
}

func TestAppendOrderAndCounters(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	s := newSession(t, r, "alice", "t")

	for i, role := range []Role{RoleUser, RoleAssistant, RoleUser} {
		if _, err := r.AppendMessage(ctx, "alice", &Message{SessionID: s.ID, Role: role, Content: "m", TokensUsed: int64(i + 1)}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	msgs, err := r.ListMessages(ctx, s.ID, "alice", 0)
	if err != nil || len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d (%v)", len(msgs), err)
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ids not increasing at %d", i)
		}
	}
	got, _ := r.GetSession(ctx, s.ID, "alice")
	if got.MessageCount != 3 || got.TotalTokensUsed != 6 {
		t.Fatalf("unexpected counters %+v", got)
	}
	if _, err := r.AppendMessage(ctx, "alice", &Message{SessionID: s.ID, Role: "tool"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}

func TestListSessionsOrderAndIdempotence(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	a := newSession(t, r, "alice", "a")
	b := newSession(t, r, "alice", "b")
	newSession(t, r, "bob", "c")
	if _, err := r.AppendMessage(ctx, "alice", &Message{SessionID: a.ID, Role: RoleUser, Content: "bump"}); err != nil {
		t.Fatal(err)
	}

	first, _ := r.ListSessions(ctx, "alice", 0)
	second, _ := r.ListSessions(ctx, "alice", 0)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("list is not idempotent")
	}
	if len(first) != 2 || first[0].ID != a.ID || first[1].ID != b.ID {
		t.Fatalf("unexpected order: %+v", first)
	}

	if err := r.Deactivate(ctx, b.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	list, _ := r.ListSessions(ctx, "alice", 0)
	if len(list) != 1 {
		t.Fatalf("deactivated session still listed")
	}
	if _, err := r.GetSession(ctx, b.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deactivated session must be ErrNotFound, got %v", err)
	}
	sessions, messages, _ := r.Counts(ctx, "alice")
	if sessions != 1 || messages != 1 {
		t.Fatalf("unexpected counts %d/%d", sessions, messages)
	}
}

func TestListMessagesKeepsLatest(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()
	s := newSession(t, r, "alice", "t")
	for _, c := range []string{"one", "two", "three"} {
		if _, err := r.AppendMessage(ctx, "alice", &Message{SessionID: s.ID, Role: RoleUser, Content: c}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := r.ListMessages(ctx, s.ID, "alice", 2)
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected latest two in order, got %+v", msgs)
	}
}
