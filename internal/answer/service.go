// Package answer talks to the doubt answer-generation service.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/doubtdesk/internal/reliability"
	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

// Request is the payload sent for one doubt turn.
type Request struct {
	Message          string            `json:"message"`
	SessionID        string            `json:"sessionId"`
	History          []session.Message `json:"history"`
	SkipContextCheck bool              `json:"skipContextCheck,omitempty"`

	// Token is sent as a bearer credential, never in the body.
	Token string `json:"-"`
}

// Response carries the mentor reply and the topic-continuity verdict.
type Response struct {
	Reply             string            `json:"reply"`
	IsDifferentTopic  bool              `json:"isDifferentTopic,omitempty"`
	SuggestedLectures []suggest.Lecture `json:"suggestedLectures,omitempty"`
}

// Service answers doubt turns.
type Service interface {
	Answer(ctx context.Context, req Request) (Response, error)
}

// StatusError is a non-success response from the answer service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("answer service status %d", e.StatusCode)
	}
	return fmt.Sprintf("answer service status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// UpstreamMessage returns the error text the answer service reported, if any.
func UpstreamMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	return ""
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Config controls service construction.
type Config struct {
	Mode    string
	URL     string
	Timeout time.Duration
}

func New(cfg Config, store session.Store, finder suggest.Finder) (Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPService(cfg.URL, cfg.Timeout), nil
		}
		return newLocal(store, finder)
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("answer service url is required for http mode")
		}
		return NewHTTPService(cfg.URL, cfg.Timeout), nil
	case "local":
		return newLocal(store, finder)
	default:
		return nil, fmt.Errorf("unsupported answer service mode %q", cfg.Mode)
	}
}

func newLocal(store session.Store, finder suggest.Finder) (Service, error) {
	if store == nil {
		return nil, errors.New("local answer service needs a session store")
	}
	return NewLocalService(store, finder), nil
}
