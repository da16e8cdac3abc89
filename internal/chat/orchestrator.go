package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"unichat/internal/gateway"
	"unichat/internal/metrics"
	"unichat/internal/providers"
	"unichat/internal/storage"
)

const systemPrompt = "You are a helpful assistant. Answer the user's question."

// ConversationStore is the slice of the storage layer one connection
// needs. The per-turn GetSessionWithConfig call is deliberate: config
// edits take effect on the next turn without a new session.
type ConversationStore interface {
	GetSessionWithConfig(ctx context.Context, sessionID, userID int64) (storage.SessionWithConfig, error)
	GetProviderByID(ctx context.Context, id int64) (storage.Provider, error)
	AppendMessage(ctx context.Context, sessionID int64, role, content string) (storage.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID int64) ([]storage.ChatMessage, error)
}

type ModelGateway interface {
	Resolve(cfg storage.LLMConfig, providerName string) (gateway.ResolvedConfig, error)
	CompleteOnce(ctx context.Context, history []providers.Message, rc gateway.ResolvedConfig) (string, error)
	CompleteStreaming(ctx context.Context, history []providers.Message, rc gateway.ResolvedConfig) (<-chan providers.StreamEvent, error)
}

type TurnLimiter interface {
	Allow(ctx context.Context, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

// Orchestrator drives the per-connection exchange loop: validate the
// inbound turn, persist the user message, stream the completion back
// and persist the assistant message. One goroutine runs per
// connection; turns within a connection are strictly sequential.
type Orchestrator struct {
	store   ConversationStore
	gateway ModelGateway
	limiter TurnLimiter
	def     gateway.ResolvedConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store         ConversationStore
	Gateway       ModelGateway
	Limiter       TurnLimiter
	DefaultConfig gateway.ResolvedConfig
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		limiter: cfg.Limiter,
		def:     cfg.DefaultConfig,
		logger:  cfg.Logger.With().Str("component", "chat").Logger(),
		metrics: m,
	}
}

// RunSession serves one session-scoped connection until the client
// disconnects or a fatal error occurs. Ownership of the session must
// already be verified by the caller.
func (o *Orchestrator) RunSession(ctx context.Context, conn Conn, sessionID, userID int64) {
	log := o.logger.With().Int64("session_id", sessionID).Int64("user_id", userID).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		var in Inbound
		if err := conn.ReadJSON(&in); err != nil {
			// Disconnects and malformed frames both end the connection.
			log.Debug().Err(err).Msg("connection read ended")
			return
		}

		text := strings.TrimSpace(in.Message)
		if text == "" {
			o.sendError(conn, "No message provided.")
			continue
		}

		if !o.allowTurn(ctx, conn, userID) {
			continue
		}

		if err := o.runTurn(ctx, conn, log, sessionID, userID, text); err != nil {
			if errors.Is(err, errClientGone) || ctx.Err() != nil {
				return
			}
		}
	}
}

// errClientGone marks a failed write to the client: the connection is
// dead and the loop must stop without further persistence.
var errClientGone = errors.New("client connection lost")

func (o *Orchestrator) runTurn(ctx context.Context, conn Conn, log zerolog.Logger, sessionID, userID int64, text string) error {
	if _, err := o.store.AppendMessage(ctx, sessionID, storage.RoleUser, text); err != nil {
		log.Error().Err(err).Msg("persist user message failed")
		o.sendError(conn, "Failed to store your message. Please retry.")
		return err
	}

	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("load history failed")
		o.sendError(conn, "Failed to load conversation history.")
		return err
	}

	rc, err := o.resolveTurnConfig(ctx, sessionID, userID)
	if err != nil {
		log.Warn().Err(err).Msg("resolve session config failed")
		o.sendError(conn, userMessageFor(err))
		return err
	}

	// Cancelling the turn context tears down the provider call when
	// the client goes away mid-stream.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := o.gateway.CompleteStreaming(turnCtx, history, rc)
	if err != nil {
		o.metrics.ProviderErrorsTotal.Inc()
		log.Warn().Err(err).Msg("stream start failed")
		o.sendError(conn, userMessageFor(err))
		return err
	}

	var buf strings.Builder
	var streamErr error
	for ev := range events {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if werr := conn.WriteJSON(TokenEvent{Token: ev.Token}); werr != nil {
			cancel()
			log.Debug().Err(werr).Msg("client write failed mid-stream")
			return errClientGone
		}
		buf.WriteString(ev.Token)
		o.metrics.StreamTokensTotal.Inc()
	}

	if streamErr != nil {
		o.metrics.ProviderErrorsTotal.Inc()
		log.Warn().Err(streamErr).Msg("stream failed mid-turn")
		// Chunks already relayed stay; the partial text is persisted
		// so the stored transcript matches what the client saw.
		if buf.Len() > 0 {
			if _, perr := o.store.AppendMessage(ctx, sessionID, storage.RoleAssistant, buf.String()); perr != nil {
				log.Error().Err(perr).Msg("persist partial assistant message failed")
			}
		}
		o.sendError(conn, userMessageFor(streamErr))
		return streamErr
	}

	if _, err := o.store.AppendMessage(ctx, sessionID, storage.RoleAssistant, buf.String()); err != nil {
		log.Error().Err(err).Msg("persist assistant message failed")
		o.sendError(conn, "Failed to store the assistant reply.")
		return err
	}

	if err := conn.WriteJSON(EndEvent{End: true}); err != nil {
		return errClientGone
	}
	o.metrics.TurnsTotal.Inc()
	return nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID int64) ([]providers.Message, error) {
	msgs, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history := make([]providers.Message, 0, len(msgs)+1)
	history = append(history, providers.Message{Role: "system", Content: systemPrompt})
	for _, m := range msgs {
		history = append(history, providers.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (o *Orchestrator) resolveTurnConfig(ctx context.Context, sessionID, userID int64) (gateway.ResolvedConfig, error) {
	swc, err := o.store.GetSessionWithConfig(ctx, sessionID, userID)
	if err != nil {
		return gateway.ResolvedConfig{}, err
	}
	provider, err := o.store.GetProviderByID(ctx, swc.Config.ProviderID)
	if err != nil {
		return gateway.ResolvedConfig{}, err
	}
	return o.gateway.Resolve(swc.Config, provider.Name)
}

func (o *Orchestrator) allowTurn(ctx context.Context, conn Conn, userID int64) bool {
	if o.limiter == nil {
		return true
	}
	allowed, _, resetAt, err := o.limiter.Allow(ctx, userID, time.Now())
	if err != nil {
		// Redis being down should not take chat down with it.
		o.logger.Error().Err(err).Msg("rate limiter unavailable")
		return true
	}
	if !allowed {
		o.sendError(conn, "Rate limit exceeded. Try again after "+resetAt.UTC().Format(time.RFC3339)+".")
		return false
	}
	return true
}

// RunStateless serves the degraded session-less socket: no auth scope,
// no persistence, system-default configuration. It shares no mutable
// state with session connections.
func (o *Orchestrator) RunStateless(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		var in Inbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}

		history, ok := statelessHistory(in)
		if !ok {
			o.sendError(conn, "No message provided.")
			continue
		}

		turnCtx, cancel := context.WithCancel(ctx)
		events, err := o.gateway.CompleteStreaming(turnCtx, history, o.def)
		if err != nil {
			cancel()
			o.metrics.ProviderErrorsTotal.Inc()
			o.sendError(conn, userMessageFor(err))
			continue
		}

		var failed bool
		for ev := range events {
			if ev.Err != nil {
				o.metrics.ProviderErrorsTotal.Inc()
				o.sendError(conn, userMessageFor(ev.Err))
				failed = true
				break
			}
			if werr := conn.WriteJSON(TokenEvent{Token: ev.Token}); werr != nil {
				cancel()
				return
			}
			o.metrics.StreamTokensTotal.Inc()
		}
		cancel()
		if failed {
			continue
		}
		if err := conn.WriteJSON(EndEvent{End: true}); err != nil {
			return
		}
		o.metrics.TurnsTotal.Inc()
	}
}

// CompleteOnce is the single-shot request/response path behind POST
// /chat. It uses the same default configuration as the stateless
// socket.
func (o *Orchestrator) CompleteOnce(ctx context.Context, query string) (string, error) {
	history := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
	return o.gateway.CompleteOnce(ctx, history, o.def)
}

func statelessHistory(in Inbound) ([]providers.Message, bool) {
	if len(in.Messages) > 0 {
		history := make([]providers.Message, 0, len(in.Messages)+1)
		history = append(history, providers.Message{Role: "system", Content: systemPrompt})
		for _, m := range in.Messages {
			role := m.Role
			if role != storage.RoleUser && role != storage.RoleAssistant && role != "system" {
				return nil, false
			}
			if strings.TrimSpace(m.Content) == "" {
				return nil, false
			}
			history = append(history, providers.Message{Role: role, Content: m.Content})
		}
		return history, true
	}

	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, false
	}
	return []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}, true
}

func (o *Orchestrator) sendError(conn Conn, msg string) {
	_ = conn.WriteJSON(ErrorEvent{Error: msg})
}

// userMessageFor strips internals from errors before they reach the
// client; gateway errors already carry a safe message.
func userMessageFor(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gateway.KindUnauthenticated:
			return "Your model provider credential is missing or invalid."
		case gateway.KindQuotaExceeded:
			return "Your model provider quota is exhausted. Try again later."
		default:
			return "The model provider failed: " + gwErr.Message
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return "Session or configuration not found."
	}
	return "Something went wrong processing this turn."
}
