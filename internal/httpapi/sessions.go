package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/doubtdesk/internal/identity"
	"github.com/ent0n29/doubtdesk/internal/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "X-User-ID is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(r.Context(), userID, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleListSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.ownsSession(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": messages})
}
