package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"unichat/internal/storage"
)

type createSessionRequest struct {
	LLMConfigID int64   `json:"llm_config_id"`
	Title       *string `json:"title,omitempty"`
}

type sessionResponse struct {
	ID          int64     `json:"id"`
	LLMConfigID int64     `json:"llm_config_id"`
	Title       *string   `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := s.store.CreateSession(r.Context(), user.ID, req.LLMConfigID, req.Title)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A foreign config id reads the same as a missing one.
			respondError(w, http.StatusNotFound, "Configuration not found")
			return
		}
		s.logger.Error().Err(err).Msg("create session failed")
		respondError(w, http.StatusInternalServerError, "Could not create session")
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse{
		ID:          sess.ID,
		LLMConfigID: sess.LLMConfigID,
		Title:       sess.Title,
		CreatedAt:   sess.CreatedAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	sessions, err := s.store.ListSessions(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		respondError(w, http.StatusInternalServerError, "Could not load sessions")
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			ID:          sess.ID,
			LLMConfigID: sess.LLMConfigID,
			Title:       sess.Title,
			CreatedAt:   sess.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	sessionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}

	// Ownership check first: absent and foreign sessions are both 404.
	if _, err := s.store.GetSessionForUser(r.Context(), sessionID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.logger.Error().Err(err).Msg("session lookup failed")
		respondError(w, http.StatusInternalServerError, "Could not load session")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list messages failed")
		respondError(w, http.StatusInternalServerError, "Could not load messages")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	respondJSON(w, http.StatusOK, out)
}
