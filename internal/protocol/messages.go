package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSubmitTurn     MessageType = "submit_turn"
	TypeResolvePending MessageType = "resolve_pending"
	TypeLoadSession    MessageType = "load_session"
	TypeSubmitFeedback MessageType = "submit_feedback"

	TypeConversationState MessageType = "conversation_state"
	TypeSessionSelected   MessageType = "session_selected"
	TypeErrorEvent        MessageType = "error_event"
)

// Choices accepted by resolve_pending.
const (
	ChoiceContinue = "continue"
	ChoiceNewTopic = "new_topic"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SubmitTurn struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ResolvePending struct {
	Type   MessageType `json:"type"`
	Choice string      `json:"choice"`
}

// LoadSession with an empty session id resets the view.
type LoadSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SubmitFeedback struct {
	Type         MessageType `json:"type"`
	MessageID    string      `json:"message_id"`
	FeedbackType string      `json:"feedback_type"`
}

// ConversationState carries a full snapshot of the view.
type ConversationState struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	State          any         `json:"state"`
}

type SessionSelected struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	SessionID      string      `json:"session_id"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubmitTurn:
		var msg SubmitTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid submit_turn")
		}
		return msg, nil
	case TypeResolvePending:
		var msg ResolvePending
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Choice != ChoiceContinue && msg.Choice != ChoiceNewTopic {
			return nil, errors.New("invalid resolve_pending")
		}
		return msg, nil
	case TypeLoadSession:
		var msg LoadSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSubmitFeedback:
		var msg SubmitFeedback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.MessageID == "" || msg.FeedbackType == "" {
			return nil, errors.New("invalid submit_feedback")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
