package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/protocol"
	"github.com/ent0n29/doubtdesk/internal/session"
)

func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	view, ok := s.view(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := view.Subscribe(64)
	direct := make(chan any, 16)
	direct <- protocol.ConversationState{
		Type:           protocol.TypeConversationState,
		ConversationID: view.ID,
		State:          view.Manager().Snapshot(),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-direct:
			case ev, ok := <-events:
				if !ok {
					cancel()
					return
				}
				msg = ev
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	sendErr := func(ev protocol.ErrorEvent) {
		ev.Type = protocol.TypeErrorEvent
		ev.ConversationID = view.ID
		select {
		case direct <- ev:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
		}
	}

	// Frames run one at a time in arrival order. Operations outlive the socket;
	// the manager drops results that went stale.
	inbound := make(chan any, 64)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		opCtx := context.WithoutCancel(ctx)
		for msg := range inbound {
			if err := s.dispatch(opCtx, view, msg); err != nil {
				sendErr(dispatchError(err))
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Unblock ReadMessage when the writer or the view ends the connection.
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendErr(protocol.ErrorEvent{Code: "invalid_client_message", Source: "gateway", Detail: err.Error()})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	unsubscribe()
	<-writerDone
	<-dispatchDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) dispatch(ctx context.Context, view *conversation.View, msg any) error {
	m := view.Manager()
	switch v := msg.(type) {
	case protocol.SubmitTurn:
		return m.SubmitTurn(ctx, v.Text)
	case protocol.ResolvePending:
		if v.Choice == protocol.ChoiceNewTopic {
			return m.ResolvePendingNewTopic(ctx)
		}
		return m.ResolvePendingContinue()
	case protocol.LoadSession:
		id := strings.TrimSpace(v.SessionID)
		if id != "" {
			if err := s.ownsSession(ctx, id); err != nil {
				return err
			}
		}
		return m.LoadSession(ctx, id)
	case protocol.SubmitFeedback:
		return m.SubmitFeedback(ctx, v.MessageID, session.FeedbackType(strings.ToLower(v.FeedbackType)))
	default:
		return protocol.ErrUnsupportedType
	}
}

// dispatchError describes a failed operation for the client. Turn failures are
// already visible as mentor messages; the event tells the client whether
// resending the question may help.
func dispatchError(err error) protocol.ErrorEvent {
	var turnErr *conversation.TurnError
	if errors.As(err, &turnErr) {
		return protocol.ErrorEvent{
			Code:      "turn_failed",
			Source:    string(turnErr.Kind),
			Retryable: turnErr.Retryable(),
			Detail:    turnErr.Reply(),
		}
	}
	_, code := errorStatus(err)
	return protocol.ErrorEvent{
		Code:      code,
		Source:    "conversation",
		Retryable: retryable(err),
		Detail:    err.Error(),
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SubmitTurn:
		return m.Type, true
	case protocol.ResolvePending:
		return m.Type, true
	case protocol.LoadSession:
		return m.Type, true
	case protocol.SubmitFeedback:
		return m.Type, true
	case protocol.ConversationState:
		return m.Type, true
	case protocol.SessionSelected:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
