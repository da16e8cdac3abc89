package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Provider is read-only catalog data seeded at startup.
type Provider struct {
	ID              int64
	Name            string
	DisplayName     string
	IsActive        bool
	SupportedModels []string
}

// LLMConfig binds a user to a provider, model and sealed credential.
// APIKeyEnvelope holds a crypto.Envelope JSON blob, never a raw key.
type LLMConfig struct {
	ID             int64
	UserID         int64
	ProviderID     int64
	ModelName      string
	APIKeyEnvelope *string
	ParamsJSON     string
	IsDefault      bool
	CreatedAt      time.Time
}

type ChatSession struct {
	ID          int64
	UserID      int64
	LLMConfigID int64
	Title       *string
	CreatedAt   time.Time
}

type ChatMessage struct {
	ID        int64
	SessionID int64
	Role      string
	Content   string
	Timestamp time.Time
}

// SessionWithConfig is the per-turn resolution result: the session plus
// its (freshly loaded) model configuration.
type SessionWithConfig struct {
	Session ChatSession
	Config  LLMConfig
}
