package gateway

import (
	"context"
	"strings"

	"unichat/internal/providers"
)

const (
	probePrompt      = "Hi"
	probeMaxTokens   = 50
	replyDisplayMax  = 100
	validationSystem = "You are a helpful assistant. Answer the user's question."
)

// ValidationResult reports a live credential probe. ErrorKind is one of
// authentication, model_access, quota, unknown when Valid is false.
type ValidationResult struct {
	Valid        bool   `json:"valid"`
	Message      string `json:"message"`
	ModelTested  string `json:"model_tested"`
	ErrorKind    string `json:"error_type,omitempty"`
	TestResponse string `json:"test_response,omitempty"`
}

// CredentialProbe names the provider, credential and model to test.
// BaseURL overrides the provider's canonical endpoint when set.
type CredentialProbe struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// ValidateCredential performs a low-cost completion against the
// provider before a credential is persisted.
func (g *Gateway) ValidateCredential(ctx context.Context, probe CredentialProbe) ValidationResult {
	providerName, model := probe.Provider, probe.Model
	rc := ResolvedConfig{
		ProviderName: providerName,
		BaseURL:      probe.BaseURL,
		Model:        model,
		APIKey:       probe.APIKey,
		MaxTokens:    probeMaxTokens,
	}

	text, err := g.CompleteOnce(ctx, []providers.Message{
		{Role: "system", Content: validationSystem},
		{Role: "user", Content: probePrompt},
	}, rc)
	if err != nil {
		g.logger.Warn().Err(err).Str("provider", providerName).Msg("credential validation failed")
		return classifyValidationError(err, model)
	}

	if strings.TrimSpace(text) == "" {
		return ValidationResult{
			Valid:       false,
			Message:     "API key validation failed: No response received",
			ModelTested: model,
			ErrorKind:   "unknown",
		}
	}

	return ValidationResult{
		Valid:        true,
		Message:      "API key is valid and model is accessible",
		ModelTested:  model,
		TestResponse: truncateReply(text),
	}
}

// classifyValidationError sorts a probe failure into a coarse bucket.
// Typed gateway errors are authoritative; otherwise this falls back to
// best-effort matching on the provider's error text, which is fragile
// across provider versions.
func classifyValidationError(err error, model string) ValidationResult {
	if gwErr, ok := err.(*Error); ok {
		switch gwErr.Kind {
		case KindUnauthenticated:
			return ValidationResult{
				Valid:       false,
				Message:     "Invalid API key. Please check your API key and try again.",
				ModelTested: model,
				ErrorKind:   "authentication",
			}
		case KindQuotaExceeded:
			return ValidationResult{
				Valid:       false,
				Message:     "API key has reached its usage limit or quota.",
				ModelTested: model,
				ErrorKind:   "quota",
			}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "authentication", "unauthorized", "invalid api key", "api_key"):
		return ValidationResult{
			Valid:       false,
			Message:     "Invalid API key. Please check your API key and try again.",
			ModelTested: model,
			ErrorKind:   "authentication",
		}
	case containsAny(msg, "model", "not found"):
		return ValidationResult{
			Valid:       false,
			Message:     "Model '" + model + "' is not accessible with this API key.",
			ModelTested: model,
			ErrorKind:   "model_access",
		}
	case containsAny(msg, "quota", "limit", "rate"):
		return ValidationResult{
			Valid:       false,
			Message:     "API key has reached its usage limit or quota.",
			ModelTested: model,
			ErrorKind:   "quota",
		}
	default:
		return ValidationResult{
			Valid:       false,
			Message:     "API validation failed: " + err.Error(),
			ModelTested: model,
			ErrorKind:   "unknown",
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateReply(text string) string {
	r := []rune(text)
	if len(r) <= replyDisplayMax {
		return text
	}
	return string(r[:replyDisplayMax]) + "..."
}
