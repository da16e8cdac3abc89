package registry

import (
	"fmt"
	"net/http"
	"time"

	"unichat/internal/providers"
	"unichat/internal/providers/openai_compat"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	openaiBaseURL = "https://api.openai.com/v1"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build maps a catalog provider name to a client. Groq exposes an
// OpenAI-compatible API, so both share the same client with different
// base URLs.
func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "groq":
		return buildOpenAICompat(opts, groqBaseURL), nil
	case "openai", "openai_compat", "openai-compatible":
		return buildOpenAICompat(opts, openaiBaseURL), nil
	case "anthropic":
		return nil, fmt.Errorf("provider kind %q is not supported yet", opts.Kind)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func buildOpenAICompat(opts BuildOptions, defaultBaseURL string) providers.Provider {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return openai_compat.New(openai_compat.Config{
		BaseURL:     base,
		APIKey:      opts.APIKey,
		HTTPClient:  opts.HTTPClient,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
	})
}
