package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"unichat/internal/auth"
	"unichat/internal/chat"
	"unichat/internal/crypto"
	"unichat/internal/gateway"
	"unichat/internal/metrics"
	"unichat/internal/ratelimit"
	"unichat/internal/storage"
)

var errMissingToken = errors.New("missing bearer token")

// CredentialValidator probes a provider credential before it is
// stored. *gateway.Gateway satisfies it.
type CredentialValidator interface {
	ValidateCredential(ctx context.Context, probe gateway.CredentialProbe) gateway.ValidationResult
}

// ChatRunner is the orchestration surface the transport layer needs.
// *chat.Orchestrator satisfies it.
type ChatRunner interface {
	RunSession(ctx context.Context, conn chat.Conn, sessionID, userID int64)
	RunStateless(ctx context.Context, conn chat.Conn)
	CompleteOnce(ctx context.Context, query string) (string, error)
}

type Server struct {
	auth        *auth.Service
	store       *storage.Store
	keyring     *crypto.Keyring
	validator   CredentialValidator
	chat        ChatRunner
	lock        *ratelimit.SessionLock
	healthPath  string
	metricsPath string
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Auth      *auth.Service
	Store     *storage.Store
	Keyring   *crypto.Keyring
	Validator CredentialValidator
	Chat      ChatRunner
	// Lock may be nil; session sockets then run without single-writer
	// enforcement.
	Lock        *ratelimit.SessionLock
	HealthPath  string
	MetricsPath string
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		auth:        cfg.Auth,
		store:       cfg.Store,
		keyring:     cfg.Keyring,
		validator:   cfg.Validator,
		chat:        cfg.Chat,
		lock:        cfg.Lock,
		healthPath:  cfg.HealthPath,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		metrics:     m,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /llm-providers", s.handleListProviders)

	mux.Handle("GET /me/llm-configs", s.requireAuth(s.handleListConfigs))
	mux.Handle("POST /me/llm-configs", s.requireAuth(s.handleCreateConfig))
	mux.Handle("POST /me/setup-default-config", s.requireAuth(s.handleSetupDefaultConfig))
	mux.Handle("GET /me/has-llm-config", s.requireAuth(s.handleHasConfig))

	mux.Handle("POST /me/chat-sessions", s.requireAuth(s.handleCreateSession))
	mux.Handle("GET /me/chat-sessions", s.requireAuth(s.handleListSessions))
	mux.Handle("GET /me/chat-sessions/{id}/messages", s.requireAuth(s.handleListMessages))

	mux.HandleFunc("POST /chat", s.handleChatOnce)
	mux.HandleFunc("GET /ws/chat", s.handleStatelessSocket)
	mux.HandleFunc("GET /ws/chat/{id}", s.handleSessionSocket)

	mux.HandleFunc("GET "+s.healthPath, s.handleHealth)
	mux.Handle("GET "+s.metricsPath, promhttp.Handler())

	return s.withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
