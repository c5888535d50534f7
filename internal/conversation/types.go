// Package conversation owns the doubt chat state machine: the visible transcript,
// the active session binding and the context-switch decision.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/doubtdesk/internal/answer"
	"github.com/ent0n29/doubtdesk/internal/reliability"
	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

// Phase is the turn state of a conversation view.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAwaiting  Phase = "awaiting_answer"
	PhaseSuspended Phase = "suspended"
	PhaseLoading   Phase = "loading"
)

const (
	// FollowUpText is submitted on behalf of the learner after negative feedback.
	FollowUpText = "I need more help with this..."
	// ContinueText acknowledges a learner who keeps the earlier question.
	ContinueText = "No problem, let's continue with your earlier question. What else would you like to know about it?"

	titleRunes = 30
)

// Reasons reported to the latency window when a late result is discarded.
const (
	DropStaleTurn = "stale_turn"
	DropStaleLoad = "stale_history_load"
)

var (
	ErrEmptyText                = errors.New("message text is empty")
	ErrChatClosed               = errors.New("doubt session is resolved")
	ErrTurnInFlight             = errors.New("another operation is in progress")
	ErrPendingDecision          = errors.New("a context-switch decision is pending")
	ErrNoPendingDecision        = errors.New("no context-switch decision is pending")
	ErrMessageNotFound          = errors.New("message not found")
	ErrFeedbackNotAllowed       = errors.New("feedback is only accepted on mentor messages")
	ErrFeedbackAlreadySubmitted = errors.New("feedback already submitted")
	ErrInvalidFeedback          = errors.New("invalid feedback type")
	ErrNoActiveSession          = errors.New("no active doubt session")
	ErrMissingCredential        = errors.New("missing learner credential")
)

// isPrecondition reports whether err rejected an operation before it changed
// any state.
func isPrecondition(err error) bool {
	return errors.Is(err, ErrEmptyText) ||
		errors.Is(err, ErrChatClosed) ||
		errors.Is(err, ErrTurnInFlight) ||
		errors.Is(err, ErrPendingDecision)
}

// PendingContextSwitch is an undecided branch point: the answer service judged
// UserMessage to be off-topic for the active session.
type PendingContextSwitch struct {
	Reply       string `json:"reply"`
	UserMessage string `json:"user_message"`
}

// Snapshot is a copy of the visible state of one conversation view.
type Snapshot struct {
	ConversationID  string                `json:"conversation_id"`
	Version         uint64                `json:"version"`
	Phase           Phase                 `json:"phase"`
	ActiveSessionID string                `json:"active_session_id,omitempty"`
	Messages        []session.Message     `json:"messages"`
	ChatClosed      bool                  `json:"chat_closed"`
	IsTyping        bool                  `json:"is_typing"`
	Pending         *PendingContextSwitch `json:"pending,omitempty"`
	Suggestions     []suggest.Lecture     `json:"suggestions"`
}

// ErrorKind classifies turn-level failures.
type ErrorKind string

const (
	ErrorAuth          ErrorKind = "auth"
	ErrorSessionCreate ErrorKind = "session_create"
	ErrorAnswer        ErrorKind = "answer"
)

// TurnError is a failure recovered at the turn level. The learner sees Reply()
// as a mentor message; the conversation stays usable.
type TurnError struct {
	Kind ErrorKind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s turn failure: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Reply is the mentor-role text shown for the failure.
func (e *TurnError) Reply() string {
	switch e.Kind {
	case ErrorAuth:
		return "Please sign in again to ask your doubt."
	case ErrorSessionCreate:
		return "Sorry, I could not start a new doubt session. Please try again."
	default:
		if msg := answer.UpstreamMessage(e.Err); msg != "" {
			return "Sorry, something went wrong: " + msg
		}
		return "Sorry, something went wrong: " + e.Err.Error()
	}
}

// Retryable reports whether submitting the same question again could succeed.
func (e *TurnError) Retryable() bool {
	switch e.Kind {
	case ErrorAuth:
		return false
	case ErrorAnswer:
		var se *answer.StatusError
		if errors.As(e.Err, &se) {
			return se.Retryable()
		}
	}
	return reliability.IsRetryable(0, e.Err)
}

// Title derives a session title from the first question of a thread.
func Title(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > titleRunes {
		text = string([]rune(text)[:titleRunes])
	}
	return text + "..."
}
