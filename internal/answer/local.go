package answer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

// LocalService is an in-process answer service for local/dev use. It persists
// accepted turns to the session store the way the hosted service does.
type LocalService struct {
	store  session.Store
	finder suggest.Finder
}

func NewLocalService(store session.Store, finder suggest.Finder) *LocalService {
	return &LocalService{store: store, finder: finder}
}

const differentTopicReply = "That looks like a new question. Would you like to continue with your earlier doubt or start a new one?"

func (s *LocalService) Answer(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return Response{}, &StatusError{StatusCode: http.StatusBadRequest, Message: "message is required"}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return Response{}, &StatusError{StatusCode: http.StatusBadRequest, Message: "sessionId is required"}
	}

	if !req.SkipContextCheck && isDifferentTopic(req.History, text) {
		return Response{Reply: differentTopicReply, IsDifferentTopic: true}, nil
	}

	if err := s.save(ctx, req.SessionID, session.RoleUser, text); err != nil {
		return Response{}, err
	}

	var lectures []suggest.Lecture
	if s.finder != nil {
		lectures = s.finder.Suggest(text)
	}
	reply := buildReply(text, lectures)
	if err := s.save(ctx, req.SessionID, session.RoleMentor, reply); err != nil {
		return Response{}, err
	}
	return Response{Reply: reply, SuggestedLectures: lectures}, nil
}

func (s *LocalService) save(ctx context.Context, sessionID string, role session.Role, content string) error {
	_, err := s.store.AppendMessage(ctx, session.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
	if errors.Is(err, session.ErrNotFound) {
		return &StatusError{StatusCode: http.StatusNotFound, Message: "session not found"}
	}
	if err != nil {
		return &StatusError{StatusCode: http.StatusInternalServerError, Message: "failed to save message: " + err.Error()}
	}
	return nil
}

// isDifferentTopic reports whether text shares no keyword with any earlier
// learner question in history. Text without keywords (e.g. "I need more help")
// always continues the current topic.
func isDifferentTopic(history []session.Message, text string) bool {
	current := suggest.Keywords(text)
	if len(current) == 0 {
		return false
	}
	seen := make(map[string]struct{})
	for _, m := range history {
		if m.Role != session.RoleUser {
			continue
		}
		for _, kw := range suggest.Keywords(m.Content) {
			seen[kw] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return false
	}
	for _, kw := range current {
		if _, ok := seen[kw]; ok {
			return false
		}
	}
	return true
}

func buildReply(text string, lectures []suggest.Lecture) string {
	if len(lectures) == 0 {
		return fmt.Sprintf("Good question. Break %q into what is given and what is asked, then apply the relevant definition step by step.", text)
	}
	l := lectures[0]
	return fmt.Sprintf("Good question. This is covered in %q (%s, %s). Start from the key definitions there and apply them to your problem step by step.", l.Title, l.ChapterTitle, l.Subject)
}
