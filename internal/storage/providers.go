package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// SeedProviders inserts missing catalog entries by name. Existing rows
// are left untouched so operators can deactivate providers in place.
func (s *Store) SeedProviders(ctx context.Context, providers []Provider) error {
	for _, p := range providers {
		_, err := s.GetProviderByName(ctx, p.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		models, err := json.Marshal(p.SupportedModels)
		if err != nil {
			return fmt.Errorf("marshal supported models for %q: %w", p.Name, err)
		}
		q := s.sql.Insert("llm_providers").
			Columns("name", "display_name", "is_active", "supported_models").
			Values(p.Name, p.DisplayName, p.IsActive, string(models))
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build seed provider query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("seed provider %q: %w", p.Name, err)
		}
	}
	return nil
}

func (s *Store) GetProviderByName(ctx context.Context, name string) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"name": name})
}

func (s *Store) GetProviderByID(ctx context.Context, id int64) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"id": id})
}

func (s *Store) getProvider(ctx context.Context, where sq.Sqlizer) (Provider, error) {
	q := s.sql.Select("id", "name", "display_name", "is_active", "supported_models").
		From("llm_providers").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build get provider query: %w", err)
	}

	var p Provider
	var models string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.IsActive, &models,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("get provider: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &p.SupportedModels); err != nil {
		return Provider{}, fmt.Errorf("parse supported models: %w", err)
	}
	return p, nil
}

func (s *Store) ListActiveProviders(ctx context.Context) ([]Provider, error) {
	q := s.sql.Select("id", "name", "display_name", "is_active", "supported_models").
		From("llm_providers").
		Where(sq.Eq{"is_active": true}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		var p Provider
		var models string
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.IsActive, &models); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		if err := json.Unmarshal([]byte(models), &p.SupportedModels); err != nil {
			return nil, fmt.Errorf("parse supported models: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

// DefaultCatalog is the provider reference data seeded at startup,
// addressed by name rather than ordinal id.
func DefaultCatalog() []Provider {
	return []Provider{
		{
			Name:        "groq",
			DisplayName: "Groq",
			IsActive:    true,
			SupportedModels: []string{
				"deepseek-r1-distill-llama-70b",
				"llama3-8b-8192",
				"llama3-70b-8192",
				"mixtral-8x7b-32768",
				"gemma-7b-it",
			},
		},
		{
			Name:        "openai",
			DisplayName: "OpenAI",
			IsActive:    true,
			SupportedModels: []string{
				"gpt-3.5-turbo",
				"gpt-4",
				"gpt-4-turbo",
				"gpt-4o",
			},
		},
		{
			Name:        "anthropic",
			DisplayName: "Anthropic",
			IsActive:    true,
			SupportedModels: []string{
				"claude-3-sonnet-20240229",
				"claude-3-opus-20240229",
				"claude-3-haiku-20240307",
			},
		},
	}
}
