package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	now := time.Now().UTC()
	q := s.sql.Insert("users").
		Columns("username", "email", "password_hash", "created_at").
		Values(username, email, passwordHash, now).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build create user query: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}

	return User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, sq.Eq{"username": username})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, sq.Eq{"email": email})
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "username", "email", "password_hash", "created_at").
		From("users").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// isUniqueViolation sniffs driver error text for unique-constraint
// failures; pgx and modernc/sqlite expose no shared typed error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique failed") ||
		strings.Contains(msg, "duplicate key")
}
