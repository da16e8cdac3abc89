package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"unichat/internal/crypto"
	"unichat/internal/providers"
	"unichat/internal/providers/registry"
	"unichat/internal/storage"
)

// Gateway adapts stored model configurations into calls against the
// external completion service.
type Gateway struct {
	keyring     *crypto.Keyring
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      zerolog.Logger
}

type Config struct {
	Keyring     *crypto.Keyring
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

func New(cfg Config) *Gateway {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	return &Gateway{
		keyring:     cfg.Keyring,
		httpClient:  cfg.HTTPClient,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger.With().Str("component", "gateway").Logger(),
	}
}

// ResolvedConfig is a decrypted, ready-to-call view of an LLMConfig.
// BaseURL is normally empty; the registry substitutes the provider's
// canonical endpoint.
type ResolvedConfig struct {
	ProviderName string
	BaseURL      string
	Model        string
	APIKey       string
	Temperature  float64
	MaxTokens    int
}

type configParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Resolve opens the stored credential envelope and applies parameter
// defaults: temperature 0, max tokens left to the provider.
func (g *Gateway) Resolve(cfg storage.LLMConfig, providerName string) (ResolvedConfig, error) {
	rc := ResolvedConfig{
		ProviderName: providerName,
		Model:        cfg.ModelName,
	}

	if cfg.APIKeyEnvelope != nil && strings.TrimSpace(*cfg.APIKeyEnvelope) != "" {
		key, err := g.keyring.OpenString(*cfg.APIKeyEnvelope)
		if err != nil {
			return ResolvedConfig{}, &Error{Kind: KindUnauthenticated, Message: "stored API credential cannot be decrypted", cause: err}
		}
		rc.APIKey = key
	}

	if raw := strings.TrimSpace(cfg.ParamsJSON); raw != "" {
		var params configParams
		// Unknown or malformed params fall back to defaults.
		_ = json.Unmarshal([]byte(raw), &params)
		rc.Temperature = params.Temperature
		rc.MaxTokens = params.MaxTokens
	}
	return rc, nil
}

func (g *Gateway) build(rc ResolvedConfig) (providers.Provider, error) {
	if strings.TrimSpace(rc.APIKey) == "" {
		return nil, &Error{Kind: KindUnauthenticated, Message: "no API credential configured"}
	}
	p, err := registry.Build(registry.BuildOptions{
		Kind:        rc.ProviderName,
		BaseURL:     rc.BaseURL,
		APIKey:      rc.APIKey,
		HTTPClient:  g.httpClient,
		MaxRetries:  g.maxRetries,
		BackoffBase: g.backoffBase,
	})
	if err != nil {
		return nil, &Error{Kind: KindProviderFailure, Message: err.Error(), cause: err}
	}
	return p, nil
}

// CompleteOnce runs a single-shot completion over the full history.
func (g *Gateway) CompleteOnce(ctx context.Context, history []providers.Message, rc ResolvedConfig) (string, error) {
	p, err := g.build(rc)
	if err != nil {
		return "", err
	}
	resp, err := p.Complete(ctx, providers.CompletionRequest{
		Model:       rc.Model,
		Messages:    history,
		MaxTokens:   rc.MaxTokens,
		Temperature: rc.Temperature,
	})
	if err != nil {
		return "", wrapProviderErr(err)
	}
	return resp.Text, nil
}

// CompleteStreaming starts an incremental completion. In-band provider
// failures are re-wrapped into the gateway taxonomy; tokens already
// emitted are never dropped.
func (g *Gateway) CompleteStreaming(ctx context.Context, history []providers.Message, rc ResolvedConfig) (<-chan providers.StreamEvent, error) {
	p, err := g.build(rc)
	if err != nil {
		return nil, err
	}
	upstream, err := p.Stream(ctx, providers.CompletionRequest{
		Model:       rc.Model,
		Messages:    history,
		MaxTokens:   rc.MaxTokens,
		Temperature: rc.Temperature,
	})
	if err != nil {
		return nil, wrapProviderErr(err)
	}

	events := make(chan providers.StreamEvent)
	go func() {
		defer close(events)
		for ev := range upstream {
			if ev.Err != nil {
				ev = providers.StreamEvent{Err: wrapProviderErr(ev.Err)}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
