package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"unichat/internal/gateway"
	"unichat/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are expected to come from anywhere; bearer tokens
	// carry the actual access control.
	CheckOrigin: func(*http.Request) bool { return true },
}

type chatOnceRequest struct {
	Message string `json:"message"`
}

type chatOnceResponse struct {
	Response string `json:"response"`
}

// handleChatOnce is the single-shot request/response endpoint backed by
// the system default configuration.
func (s *Server) handleChatOnce(w http.ResponseWriter, r *http.Request) {
	var req chatOnceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "No message provided")
		return
	}

	text, err := s.chat.CompleteOnce(r.Context(), req.Message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("single-shot completion failed")
		respondError(w, statusForGatewayErr(err), "Completion failed")
		return
	}
	respondJSON(w, http.StatusOK, chatOnceResponse{Response: text})
}

func statusForGatewayErr(err error) int {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gateway.KindUnauthenticated:
			return http.StatusBadGateway
		case gateway.KindQuotaExceeded:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusBadGateway
}

// handleStatelessSocket upgrades without authentication and serves the
// persistence-free chat loop.
func (s *Server) handleStatelessSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	s.chat.RunStateless(r.Context(), conn)
}

// handleSessionSocket authenticates, verifies session ownership and
// takes the session lock before upgrading, then hands the connection to
// the orchestrator.
func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	sessionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusNotFound, "Session not found")
		return
	}
	if _, err := s.store.GetSessionForUser(r.Context(), sessionID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Session not found")
			return
		}
		s.logger.Error().Err(err).Msg("session lookup failed")
		respondError(w, http.StatusInternalServerError, "Could not load session")
		return
	}

	if s.lock != nil {
		holder := uuid.NewString()
		ok, err := s.lock.Acquire(r.Context(), sessionID, holder)
		if err != nil {
			s.logger.Error().Err(err).Msg("session lock failed")
			respondError(w, http.StatusInternalServerError, "Could not open session")
			return
		}
		if !ok {
			respondError(w, http.StatusConflict, "Session already has an active connection")
			return
		}
		defer func() {
			if err := s.lock.Release(context.Background(), sessionID); err != nil {
				s.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("session lock release failed")
			}
		}()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if s.lock != nil {
		go s.refreshLock(ctx, sessionID)
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	s.chat.RunSession(ctx, conn, sessionID, user.ID)
}

// refreshLock keeps the session lease alive while the connection is
// open so a long chat does not expire its own lock.
func (s *Server) refreshLock(ctx context.Context, sessionID int64) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.lock.Refresh(ctx, sessionID); err != nil {
				s.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("session lock refresh failed")
			}
		}
	}
}
