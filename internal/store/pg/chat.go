package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/ids"
)

var _ chat.Repository = (*ChatStore)(nil)

// ChatStore implements chat.Repository over chat_sessions and chat_messages.
type ChatStore struct {
	db *sql.DB
}

const sessionColumns = `id, user_id, title, model, coalesce(system_prompt, ''), is_active,
	total_tokens_used, message_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*chat.Session, error) {
	var s chat.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.Model, &s.SystemPrompt, &s.Active,
		&s.TotalTokensUsed, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *ChatStore) CreateSession(ctx context.Context, sess *chat.Session) error {
	if sess == nil || sess.UserID == "" || sess.Title == "" {
		return chat.ErrInvalidInput
	}
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into chat_sessions(id, user_id, title, model, system_prompt, is_active, created_at, updated_at)
		values ($1,$2,$3,$4,nullif($5,''),true, now(), now())
		returning created_at, updated_at
	`, sess.ID, sess.UserID, sess.Title, sess.Model, sess.SystemPrompt).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return err
	}
	sess.Active = true
	return nil
}

func (s *ChatStore) GetSession(ctx context.Context, id, ownerID string) (*chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from chat_sessions where id=$1 and user_id=$2 and is_active`, id, ownerID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	return sess, err
}

func (s *ChatStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]*chat.Session, error) {
	if limit <= 0 {
		limit = chat.DefaultSessionLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from chat_sessions
		where user_id=$1 and is_active
		order by updated_at desc, id desc
		limit $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chat.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *ChatStore) AppendMessage(ctx context.Context, ownerID string, m *chat.Message) (*chat.Message, error) {
	if m == nil || !m.Role.Valid() {
		return nil, chat.ErrInvalidInput
	}
	var meta []byte
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx,
		`select id from chat_sessions where id=$1 and user_id=$2 and is_active for update`,
		m.SessionID, ownerID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	out := *m
	out.ID = ids.New()
	// created_at stays strictly increasing within a session while the row lock is held.
	err = tx.QueryRowContext(ctx, `
		insert into chat_messages(id, session_id, role, content, tokens_used, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6, greatest(clock_timestamp(),
			coalesce((select max(created_at) from chat_messages where session_id=$2), '-infinity') + interval '1 microsecond'))
		returning created_at
	`, out.ID, out.SessionID, string(out.Role), out.Content, out.TokensUsed, meta).Scan(&out.CreatedAt)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		update chat_sessions
		set message_count = message_count + 1, total_tokens_used = total_tokens_used + $2, updated_at = $3
		where id=$1
	`, out.SessionID, out.TokensUsed, out.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, sessionID, ownerID string, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = chat.DefaultHistoryLimit
	}
	if _, err := s.GetSession(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, role, content, tokens_used, metadata, created_at from (
			select id, session_id, role, content, tokens_used, metadata, created_at
			from chat_messages
			where session_id=$1
			order by created_at desc
			limit $2
		) latest
		order by created_at asc
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			role string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokensUsed, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *ChatStore) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	if title == "" {
		return chat.ErrInvalidInput
	}
	return s.execOwned(ctx,
		`update chat_sessions set title=$3, updated_at=now() where id=$1 and user_id=$2 and is_active`,
		id, ownerID, title)
}

func (s *ChatStore) Deactivate(ctx context.Context, id, ownerID string) error {
	return s.execOwned(ctx,
		`update chat_sessions set is_active=false, updated_at=now() where id=$1 and user_id=$2 and is_active`,
		id, ownerID)
}

func (s *ChatStore) execOwned(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *ChatStore) Counts(ctx context.Context, ownerID string) (int64, int64, error) {
	var sessions, messages int64
	err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(message_count),0)
		from chat_sessions
		where user_id=$1 and is_active
	`, ownerID).Scan(&sessions, &messages)
	return sessions, messages, err
}
