package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a simple in-process store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, req CreateRequest) (*Session, error) {
	req, err := normalizeCreate(req)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     req.Title,
		Status:    req.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return clone(sess), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(sess.Status, status); err != nil {
		return err
	}
	if sess.Status == status {
		return nil
	}
	sess.Status = status
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.FeedbackSubmitted = false
	msg.FeedbackType = ""
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	sess.UpdatedAt = s.now()
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	arr := s.messages[sessionID]
	out := make([]Message, len(arr))
	copy(out, arr)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, userID string, limit int) ([]Session, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func clone(s *Session) *Session {
	c := *s
	return &c
}
