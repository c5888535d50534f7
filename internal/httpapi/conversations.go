package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/identity"
	"github.com/ent0n29/doubtdesk/internal/session"
)

type createConversationRequest struct {
	SessionID string `json:"session_id"`
}

type conversationResponse struct {
	ConversationID string                `json:"conversation_id"`
	UserID         string                `json:"user_id"`
	CreatedAt      time.Time             `json:"created_at"`
	IdleTTLMS      int64                 `json:"idle_ttl_ms"`
	State          conversation.Snapshot `json:"state"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type loadSessionRequest struct {
	SessionID string `json:"session_id"`
}

type feedbackRequest struct {
	Type string `json:"type"`
}

// stateResponse is returned by every mutating call. TurnError is set when the
// turn failed but the conversation recovered.
type stateResponse struct {
	State     conversation.Snapshot `json:"state"`
	TurnError *turnErrorBody        `json:"turn_error,omitempty"`
}

type turnErrorBody struct {
	Kind      conversation.ErrorKind `json:"kind"`
	Detail    string                 `json:"detail"`
	Retryable bool                   `json:"retryable"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	view := s.hub.Create(identity.UserIDFromContext(r.Context()))
	if id := strings.TrimSpace(req.SessionID); id != "" {
		if err := s.ownsSession(r.Context(), id); err != nil {
			_ = s.hub.Close(view.ID)
			s.respondErr(w, err)
			return
		}
		if err := view.Manager().LoadSession(context.WithoutCancel(r.Context()), id); err != nil {
			_ = s.hub.Close(view.ID)
			s.respondErr(w, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, s.describe(view))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.describe(view))
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	if err := s.hub.Close(view.ID); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"conversation_id": view.ID, "status": "closed"})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// Turns outlive a dropped client; late results are reconciled by the manager.
	err := view.Manager().SubmitTurn(context.WithoutCancel(r.Context()), req.Text)
	s.respondState(w, view, err)
}

func (s *Server) handleResolveContinue(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	s.respondState(w, view, view.Manager().ResolvePendingContinue())
}

func (s *Server) handleResolveNewTopic(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	err := view.Manager().ResolvePendingNewTopic(context.WithoutCancel(r.Context()))
	s.respondState(w, view, err)
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	var req loadSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id != "" {
		if err := s.ownsSession(r.Context(), id); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	s.respondState(w, view, view.Manager().LoadSession(context.WithoutCancel(r.Context()), id))
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	messageID := chi.URLParam(r, "messageID")
	err := view.Manager().SubmitFeedback(context.WithoutCancel(r.Context()), messageID, session.FeedbackType(strings.ToLower(req.Type)))
	s.respondState(w, view, err)
}

// view resolves the conversation in the URL and checks it belongs to the caller.
func (s *Server) view(w http.ResponseWriter, r *http.Request) (*conversation.View, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return nil, false
	}
	view, err := s.hub.Get(id)
	if err != nil || view.UserID != identity.UserIDFromContext(r.Context()) {
		respondError(w, http.StatusNotFound, "conversation_not_found", conversation.ErrViewNotFound.Error())
		return nil, false
	}
	return view, true
}

func (s *Server) ownsSession(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != identity.UserIDFromContext(ctx) {
		return session.ErrNotFound
	}
	return nil
}

func (s *Server) describe(view *conversation.View) conversationResponse {
	return conversationResponse{
		ConversationID: view.ID,
		UserID:         view.UserID,
		CreatedAt:      view.CreatedAt,
		IdleTTLMS:      s.cfg.ConversationIdleTimeout.Milliseconds(),
		State:          view.Manager().Snapshot(),
	}
}

func (s *Server) respondState(w http.ResponseWriter, view *conversation.View, err error) {
	var turnErr *conversation.TurnError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, stateResponse{State: view.Manager().Snapshot()})
	case errors.As(err, &turnErr):
		respondJSON(w, http.StatusOK, stateResponse{
			State:     view.Manager().Snapshot(),
			TurnError: &turnErrorBody{Kind: turnErr.Kind, Detail: turnErr.Reply(), Retryable: turnErr.Retryable()},
		})
	default:
		s.respondErr(w, err)
	}
}
