package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"unichat/internal/storage"
)

// ErrInvalidCredentials covers unknown username and wrong password
// alike; callers must never learn which one failed.
var ErrInvalidCredentials = errors.New("incorrect username or password")

type Service struct {
	store  *storage.Store
	tokens *TokenIssuer
}

func NewService(store *storage.Store, tokens *TokenIssuer) *Service {
	return &Service{store: store, tokens: tokens}
}

func (s *Service) Register(ctx context.Context, username, email, password string) (storage.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return storage.User{}, fmt.Errorf("username, email and password are required")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return storage.User{}, err
	}
	return s.store.CreateUser(ctx, username, email, hash)
}

// Login verifies credentials and issues a bearer token. The unknown-user
// path still runs a bcrypt compare so both failures cost the same.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			VerifyPassword(dummyHash, password)
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return s.tokens.Issue(user.ID, user.Username)
}

// ResolveToken maps a bearer token to the current user.
func (s *Service) ResolveToken(ctx context.Context, raw string) (storage.User, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return storage.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, ErrInvalidToken
		}
		return storage.User{}, err
	}
	return user, nil
}
