package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionLock grants one live connection per chat session. The lock
// carries a TTL so a crashed server cannot strand a session; the
// holder refreshes it while the connection is open.
type SessionLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSessionLock(rdb *redis.Client, ttl time.Duration) *SessionLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SessionLock{redis: rdb, ttl: ttl}
}

func sessionLockKey(sessionID int64) string {
	return fmt.Sprintf("unichat:session-lock:%d", sessionID)
}

// Acquire returns false when another connection already owns the
// session. holder identifies the owner for diagnostics.
func (s *SessionLock) Acquire(ctx context.Context, sessionID int64, holder string) (bool, error) {
	ok, err := s.redis.SetNX(ctx, sessionLockKey(sessionID), holder, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("session lock setnx: %w", err)
	}
	return ok, nil
}

// Refresh extends the holder's lease between turns.
func (s *SessionLock) Refresh(ctx context.Context, sessionID int64) error {
	if err := s.redis.Expire(ctx, sessionLockKey(sessionID), s.ttl).Err(); err != nil {
		return fmt.Errorf("session lock refresh: %w", err)
	}
	return nil
}

func (s *SessionLock) Release(ctx context.Context, sessionID int64) error {
	if err := s.redis.Del(ctx, sessionLockKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session lock release: %w", err)
	}
	return nil
}
