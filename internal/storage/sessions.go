package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateSession(ctx context.Context, userID, llmConfigID int64, title *string) (ChatSession, error) {
	// The config must exist and belong to the caller.
	if _, err := s.GetLLMConfig(ctx, userID, llmConfigID); err != nil {
		return ChatSession{}, err
	}

	now := time.Now().UTC()
	q := s.sql.Insert("chat_sessions").
		Columns("user_id", "llm_config_id", "title", "created_at").
		Values(userID, llmConfigID, title, now).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSession{}, fmt.Errorf("build create session query: %w", err)
	}

	sess := ChatSession{UserID: userID, LLMConfigID: llmConfigID, Title: title, CreatedAt: now}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sess.ID); err != nil {
		return ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID int64) ([]ChatSession, error) {
	q := s.sql.Select("id", "user_id", "llm_config_id", "title", "created_at").
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]ChatSession, 0)
	for rows.Next() {
		var sess ChatSession
		var title sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.LLMConfigID, &title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if title.Valid {
			sess.Title = &title.String
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// GetSessionForUser returns ErrNotFound both when the session is absent
// and when it belongs to another user.
func (s *Store) GetSessionForUser(ctx context.Context, sessionID, userID int64) (ChatSession, error) {
	q := s.sql.Select("id", "user_id", "llm_config_id", "title", "created_at").
		From("chat_sessions").
		Where(sq.Eq{"id": sessionID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSession{}, fmt.Errorf("build get session query: %w", err)
	}

	var sess ChatSession
	var title sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sess.ID, &sess.UserID, &sess.LLMConfigID, &title, &sess.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, ErrNotFound
		}
		return ChatSession{}, fmt.Errorf("get session: %w", err)
	}
	if title.Valid {
		sess.Title = &title.String
	}
	return sess, nil
}

// GetSessionWithConfig resolves the session and its model configuration
// in one ownership-checked join. Called once per turn so config edits
// apply on the next turn without a new session.
func (s *Store) GetSessionWithConfig(ctx context.Context, sessionID, userID int64) (SessionWithConfig, error) {
	q := s.sql.Select(
		"s.id", "s.user_id", "s.llm_config_id", "s.title", "s.created_at",
		"c.id", "c.user_id", "c.provider_id", "c.model_name", "c.api_key_envelope", "c.params_json", "c.is_default", "c.created_at",
	).From("chat_sessions s").
		Join("user_llm_configs c ON s.llm_config_id = c.id").
		Where(sq.Eq{"s.id": sessionID, "s.user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return SessionWithConfig{}, fmt.Errorf("build session with config query: %w", err)
	}

	var out SessionWithConfig
	var title, envelope sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.Session.ID, &out.Session.UserID, &out.Session.LLMConfigID, &title, &out.Session.CreatedAt,
		&out.Config.ID, &out.Config.UserID, &out.Config.ProviderID, &out.Config.ModelName,
		&envelope, &out.Config.ParamsJSON, &out.Config.IsDefault, &out.Config.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionWithConfig{}, ErrNotFound
		}
		return SessionWithConfig{}, fmt.Errorf("get session with config: %w", err)
	}
	if title.Valid {
		out.Session.Title = &title.String
	}
	if envelope.Valid {
		out.Config.APIKeyEnvelope = &envelope.String
	}
	return out, nil
}

// AppendMessage persists one turn half. The timestamp is assigned here,
// in the caller's sequential flow, so persisted order matches turn
// order for a session.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string) (ChatMessage, error) {
	if role != RoleUser && role != RoleAssistant {
		return ChatMessage{}, fmt.Errorf("invalid role %q", role)
	}

	now := time.Now().UTC()
	q := s.sql.Insert("chat_messages").
		Columns("session_id", "role", "content", "timestamp").
		Values(sessionID, role, content, now).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("build append message query: %w", err)
	}

	msg := ChatMessage{SessionID: sessionID, Role: role, Content: content, Timestamp: now}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&msg.ID); err != nil {
		return ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the full ordered history for a session. The id
// tiebreak keeps insertion order when timestamps collide.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]ChatMessage, error) {
	q := s.sql.Select("id", "session_id", "role", "content", "timestamp").
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("timestamp ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
