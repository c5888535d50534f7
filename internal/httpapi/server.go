package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/doubtdesk/internal/config"
	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/identity"
	"github.com/ent0n29/doubtdesk/internal/observability"
	"github.com/ent0n29/doubtdesk/internal/reliability"
	"github.com/ent0n29/doubtdesk/internal/session"
)

type Server struct {
	cfg      config.Config
	hub      *conversation.Hub
	store    session.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, hub *conversation.Hub, store session.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		store:   store,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Get("/perf/latency", s.handlePerfLatency)

		r.Post("/conversations", s.handleCreateConversation)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Delete("/", s.handleCloseConversation)
			r.Post("/turns", s.handleSubmitTurn)
			r.Post("/pending/continue", s.handleResolveContinue)
			r.Post("/pending/new-topic", s.handleResolveNewTopic)
			r.Post("/session", s.handleLoadSession)
			r.Post("/messages/{messageID}/feedback", s.handleFeedback)
			r.Get("/ws", s.handleConversationWS)
		})

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/messages", s.handleListSessionMessages)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"store_mode":           session.Mode(s.store),
		"active_conversations": s.hub.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": session.Mode(s.store),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// errorStatus maps manager and store errors onto HTTP responses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrEmptyText):
		return http.StatusBadRequest, "empty_text"
	case errors.Is(err, conversation.ErrInvalidFeedback):
		return http.StatusBadRequest, "invalid_feedback"
	case errors.Is(err, conversation.ErrFeedbackNotAllowed):
		return http.StatusBadRequest, "feedback_not_allowed"
	case errors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found"
	case errors.Is(err, conversation.ErrViewNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, conversation.ErrChatClosed):
		return http.StatusConflict, "chat_closed"
	case errors.Is(err, conversation.ErrTurnInFlight):
		return http.StatusConflict, "turn_in_flight"
	case errors.Is(err, conversation.ErrPendingDecision):
		return http.StatusConflict, "pending_decision"
	case errors.Is(err, conversation.ErrNoPendingDecision):
		return http.StatusConflict, "no_pending_decision"
	case errors.Is(err, conversation.ErrFeedbackAlreadySubmitted):
		return http.StatusConflict, "feedback_already_submitted"
	case errors.Is(err, conversation.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// retryable reports whether the client may send the same operation again later.
func retryable(err error) bool {
	var turnErr *conversation.TurnError
	if errors.As(err, &turnErr) {
		return turnErr.Retryable()
	}
	if errors.Is(err, conversation.ErrTurnInFlight) {
		return true
	}
	if status, _ := errorStatus(err); status < http.StatusInternalServerError {
		return false
	}
	return reliability.IsRetryable(0, err)
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondError(w, status, code, err.Error())
}
