package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"unichat/internal/gateway"
	"unichat/internal/storage"
)

type providerResponse struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name"`
	SupportedModels []string `json:"supported_models"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListActiveProviders(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list providers failed")
		respondError(w, http.StatusInternalServerError, "Could not load providers")
		return
	}

	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerResponse{
			ID:              p.ID,
			Name:            p.Name,
			DisplayName:     p.DisplayName,
			SupportedModels: p.SupportedModels,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type createConfigRequest struct {
	Provider    string   `json:"provider"`
	ModelName   string   `json:"model_name"`
	APIKey      string   `json:"api_key"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	IsDefault   bool     `json:"is_default"`
}

// configResponse never carries the credential, sealed or otherwise.
type configResponse struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	ModelName string    `json:"model_name"`
	IsDefault bool      `json:"is_default"`
	HasAPIKey bool      `json:"has_api_key"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	configs, err := s.store.ListLLMConfigs(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list configs failed")
		respondError(w, http.StatusInternalServerError, "Could not load configurations")
		return
	}

	out := make([]configResponse, 0, len(configs))
	for _, c := range configs {
		resp, err := s.configResponseFor(r, c)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Could not load configurations")
			return
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, status, msg := s.buildConfig(r, user.ID, req)
	if msg != "" {
		respondError(w, status, msg)
		return
	}

	created, err := s.store.CreateLLMConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Error().Err(err).Msg("create config failed")
		respondError(w, http.StatusInternalServerError, "Could not create configuration")
		return
	}

	resp, err := s.configResponseFor(r, created)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not create configuration")
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

type setupDefaultResponse struct {
	Config     configResponse           `json:"config"`
	Validation gateway.ValidationResult `json:"validation"`
}

// handleSetupDefaultConfig probes the credential live before anything
// is stored, then creates the user's default configuration.
func (s *Server) handleSetupDefaultConfig(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.IsDefault = true

	provider, err := s.store.GetProviderByName(r.Context(), strings.ToLower(strings.TrimSpace(req.Provider)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusBadRequest, "Unknown provider")
			return
		}
		respondError(w, http.StatusInternalServerError, "Could not load provider")
		return
	}

	existing, err := s.store.ListLLMConfigs(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not load configurations")
		return
	}
	for _, c := range existing {
		if c.ProviderID == provider.ID {
			respondError(w, http.StatusConflict, "A configuration for this provider already exists")
			return
		}
	}

	validation := s.validator.ValidateCredential(r.Context(), gateway.CredentialProbe{
		Provider: provider.Name,
		APIKey:   req.APIKey,
		Model:    req.ModelName,
	})
	if !validation.Valid {
		respondJSON(w, http.StatusBadRequest, setupDefaultResponse{Validation: validation})
		return
	}

	cfg, status, msg := s.buildConfig(r, user.ID, req)
	if msg != "" {
		respondError(w, status, msg)
		return
	}

	created, err := s.store.CreateLLMConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Error().Err(err).Msg("create default config failed")
		respondError(w, http.StatusInternalServerError, "Could not create configuration")
		return
	}

	resp, err := s.configResponseFor(r, created)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not create configuration")
		return
	}
	respondJSON(w, http.StatusCreated, setupDefaultResponse{Config: resp, Validation: validation})
}

func (s *Server) handleHasConfig(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	_, err := s.store.GetDefaultLLMConfig(r.Context(), user.ID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"has_config": true})
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusOK, map[string]bool{"has_config": false})
	default:
		s.logger.Error().Err(err).Msg("default config lookup failed")
		respondError(w, http.StatusInternalServerError, "Could not load configurations")
	}
}

// buildConfig validates the request against the provider catalog and
// seals the credential. An empty msg means success.
func (s *Server) buildConfig(r *http.Request, userID int64, req createConfigRequest) (storage.LLMConfig, int, string) {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	model := strings.TrimSpace(req.ModelName)
	if name == "" || model == "" {
		return storage.LLMConfig{}, http.StatusBadRequest, "provider and model_name are required"
	}

	provider, err := s.store.GetProviderByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.LLMConfig{}, http.StatusBadRequest, "Unknown provider"
		}
		return storage.LLMConfig{}, http.StatusInternalServerError, "Could not load provider"
	}
	if !provider.IsActive {
		return storage.LLMConfig{}, http.StatusBadRequest, "Provider is not active"
	}
	if len(provider.SupportedModels) > 0 && !slices.Contains(provider.SupportedModels, model) {
		return storage.LLMConfig{}, http.StatusBadRequest, "Model is not supported by this provider"
	}

	cfg := storage.LLMConfig{
		UserID:     userID,
		ProviderID: provider.ID,
		ModelName:  model,
		IsDefault:  req.IsDefault,
	}

	if strings.TrimSpace(req.APIKey) != "" {
		sealed, err := s.keyring.SealString(req.APIKey)
		if err != nil {
			s.logger.Error().Err(err).Msg("seal credential failed")
			return storage.LLMConfig{}, http.StatusInternalServerError, "Could not store credential"
		}
		cfg.APIKeyEnvelope = &sealed
	}

	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		params["max_tokens"] = *req.MaxTokens
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return storage.LLMConfig{}, http.StatusInternalServerError, "Could not store configuration"
	}
	cfg.ParamsJSON = string(raw)

	return cfg, 0, ""
}

func (s *Server) configResponseFor(r *http.Request, c storage.LLMConfig) (configResponse, error) {
	provider, err := s.store.GetProviderByID(r.Context(), c.ProviderID)
	if err != nil {
		s.logger.Error().Err(err).Int64("provider_id", c.ProviderID).Msg("provider lookup failed")
		return configResponse{}, err
	}
	return configResponse{
		ID:        c.ID,
		Provider:  provider.Name,
		ModelName: c.ModelName,
		IsDefault: c.IsDefault,
		HasAPIKey: c.APIKeyEnvelope != nil,
		CreatedAt: c.CreatedAt,
	}, nil
}
