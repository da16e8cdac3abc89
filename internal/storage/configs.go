package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// CreateLLMConfig inserts a user's model configuration. When the new
// config is marked default, any previous default for the user is
// cleared in the same transaction, so at most one default exists per
// user.
func (s *Store) CreateLLMConfig(ctx context.Context, c LLMConfig) (LLMConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LLMConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.ParamsJSON == "" {
		c.ParamsJSON = "{}"
	}
	c.CreatedAt = time.Now().UTC()

	if c.IsDefault {
		q := s.sql.Update("user_llm_configs").
			Set("is_default", false).
			Where(sq.Eq{"user_id": c.UserID, "is_default": true})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return LLMConfig{}, fmt.Errorf("build clear default query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return LLMConfig{}, fmt.Errorf("clear previous default: %w", err)
		}
	}

	q := s.sql.Insert("user_llm_configs").
		Columns("user_id", "provider_id", "model_name", "api_key_envelope", "params_json", "is_default", "created_at").
		Values(c.UserID, c.ProviderID, c.ModelName, c.APIKeyEnvelope, c.ParamsJSON, c.IsDefault, c.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LLMConfig{}, fmt.Errorf("build create config query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID); err != nil {
		return LLMConfig{}, fmt.Errorf("create config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LLMConfig{}, fmt.Errorf("commit create config: %w", err)
	}
	return c, nil
}

func (s *Store) ListLLMConfigs(ctx context.Context, userID int64) ([]LLMConfig, error) {
	q := s.sql.Select(configColumns...).
		From("user_llm_configs").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	out := make([]LLMConfig, 0)
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}
	return out, nil
}

// GetLLMConfig scopes the lookup to the owning user; a config owned by
// someone else is indistinguishable from an absent one.
func (s *Store) GetLLMConfig(ctx context.Context, userID, configID int64) (LLMConfig, error) {
	q := s.sql.Select(configColumns...).
		From("user_llm_configs").
		Where(sq.Eq{"id": configID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LLMConfig{}, fmt.Errorf("build get config query: %w", err)
	}
	c, err := scanConfig(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LLMConfig{}, ErrNotFound
		}
		return LLMConfig{}, err
	}
	return c, nil
}

func (s *Store) GetDefaultLLMConfig(ctx context.Context, userID int64) (LLMConfig, error) {
	q := s.sql.Select(configColumns...).
		From("user_llm_configs").
		Where(sq.Eq{"user_id": userID, "is_default": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LLMConfig{}, fmt.Errorf("build get default config query: %w", err)
	}
	c, err := scanConfig(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LLMConfig{}, ErrNotFound
		}
		return LLMConfig{}, err
	}
	return c, nil
}

var configColumns = []string{
	"id", "user_id", "provider_id", "model_name", "api_key_envelope", "params_json", "is_default", "created_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (LLMConfig, error) {
	var c LLMConfig
	var envelope sql.NullString
	if err := row.Scan(
		&c.ID, &c.UserID, &c.ProviderID, &c.ModelName, &envelope, &c.ParamsJSON, &c.IsDefault, &c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LLMConfig{}, sql.ErrNoRows
		}
		return LLMConfig{}, fmt.Errorf("scan config row: %w", err)
	}
	if envelope.Valid {
		c.APIKeyEnvelope = &envelope.String
	}
	return c, nil
}
