package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrMissingTokenSecret  = errors.New("TOKEN_SECRET is required")
	ErrMissingMasterKey    = errors.New("at least one master key is required")
	ErrInvalidTokenTTL     = errors.New("TOKEN_TTL must be positive")
	ErrMissingDefaultModel = errors.New("DEFAULT_MODEL is required when DEFAULT_API_KEY is set")
)

type Config struct {
	Server  ServerConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Crypto  CryptoConfig
	Default DefaultLLMConfig
	HTTP    HTTPConfig
	Rate    RateConfig
	Log     LogConfig
}

type ServerConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
	ReadTimeout time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// DefaultLLMConfig backs the stateless chat path, which has no
// per-user configuration to resolve.
type DefaultLLMConfig struct {
	Provider string
	Model    string
	APIKey   string
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type RateConfig struct {
	TurnsPerHour int64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8000"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout: mustDuration("SERVER_READ_TIMEOUT", 30*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:unichat.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			TokenSecret: mustEnv("TOKEN_SECRET", ""),
			TokenTTL:    mustDuration("TOKEN_TTL", 30*time.Minute),
		},
		Default: DefaultLLMConfig{
			Provider: strings.ToLower(mustEnv("DEFAULT_PROVIDER", "groq")),
			Model:    mustEnv("DEFAULT_MODEL", "deepseek-r1-distill-llama-70b"),
			APIKey:   mustEnv("DEFAULT_API_KEY", ""),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 60*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Rate: RateConfig{
			TurnsPerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Auth.TokenSecret == "" {
		return nil, ErrMissingTokenSecret
	}
	if cfg.Auth.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	if cfg.Default.APIKey != "" && cfg.Default.Model == "" {
		return nil, ErrMissingDefaultModel
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
