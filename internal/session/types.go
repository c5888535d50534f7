package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusResolved
}

type Role string

const (
	RoleUser   Role = "user"
	RoleMentor Role = "mentor"
)

type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
	FeedbackReport   FeedbackType = "report"
)

func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackPositive, FeedbackNegative, FeedbackReport:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidStatus     = errors.New("invalid session status")
	ErrInvalidTransition = errors.New("session status cannot move back to open")
)

// Session is a persisted doubt thread.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single user or mentor entry of a session transcript.
// Feedback fields are view state and are not persisted by stores.
type Message struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id,omitempty"`
	Role              Role         `json:"role"`
	Content           string       `json:"content"`
	CreatedAt         time.Time    `json:"created_at"`
	FeedbackSubmitted bool         `json:"feedback_submitted,omitempty"`
	FeedbackType      FeedbackType `json:"feedback_type,omitempty"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// checkTransition enforces that a session only ever moves open -> resolved.
func checkTransition(from, to Status) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	if from == StatusResolved && to == StatusOpen {
		return ErrInvalidTransition
	}
	return nil
}

func normalizeCreate(req CreateRequest) (CreateRequest, error) {
	if req.Status == "" {
		req.Status = StatusOpen
	}
	if !req.Status.Valid() {
		return CreateRequest{}, ErrInvalidStatus
	}
	return req, nil
}
