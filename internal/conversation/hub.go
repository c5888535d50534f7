package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/doubtdesk/internal/answer"
	"github.com/ent0n29/doubtdesk/internal/observability"
	"github.com/ent0n29/doubtdesk/internal/protocol"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

var ErrViewNotFound = errors.New("conversation not found")

// HubConfig carries the collaborators shared by every view.
type HubConfig struct {
	Store       SessionStore
	Answers     answer.Service
	Finder      suggest.Finder
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	IdleTimeout time.Duration
}

// Hub is the registry of open conversation views.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu       sync.RWMutex
	views    map[string]*View
	onExpire func(*View)
}

// View is one conversation view: a Manager plus its event subscribers.
type View struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	manager *Manager
	logger  *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	subs         map[uint64]chan any
	nextSub      uint64
	closed       bool
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		views:  make(map[string]*View),
	}
}

func (h *Hub) SetExpireHook(hook func(*View)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExpire = hook
}

// Create opens a new view for userID.
func (h *Hub) Create(userID string) *View {
	now := time.Now().UTC()
	v := &View{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		lastActivity: now,
		subs:         make(map[uint64]chan any),
	}
	v.logger = h.logger.With("conversation_id", v.ID)
	v.manager = NewManager(v.ID, Deps{
		Store:   h.cfg.Store,
		Answers: h.cfg.Answers,
		Finder:  h.cfg.Finder,
		Metrics: h.cfg.Metrics,
		Logger:  h.logger,
		OnChange: func(s Snapshot) {
			v.publish(protocol.ConversationState{
				Type:           protocol.TypeConversationState,
				ConversationID: v.ID,
				State:          s,
			})
		},
		OnSessionSelected: func(sessionID string) {
			v.publish(protocol.SessionSelected{
				Type:           protocol.TypeSessionSelected,
				ConversationID: v.ID,
				SessionID:      sessionID,
			})
		},
	})

	h.mu.Lock()
	h.views[v.ID] = v
	n := len(h.views)
	h.mu.Unlock()

	h.cfg.Metrics.SetActiveConversations(n)
	h.cfg.Metrics.ObserveSessionEvent("view_opened")
	return v
}

// Get returns the view and marks it active.
func (h *Hub) Get(id string) (*View, error) {
	h.mu.RLock()
	v, ok := h.views[id]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrViewNotFound
	}
	v.touch()
	return v, nil
}

// Close removes the view and ends its subscriptions.
func (h *Hub) Close(id string) error {
	h.mu.Lock()
	v, ok := h.views[id]
	if ok {
		delete(h.views, id)
	}
	n := len(h.views)
	h.mu.Unlock()
	if !ok {
		return ErrViewNotFound
	}

	v.shutdown()
	h.cfg.Metrics.SetActiveConversations(n)
	h.cfg.Metrics.ObserveSessionEvent("view_closed")
	return nil
}

func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// RunJanitor expires idle views until ctx is done.
func (h *Hub) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.expireInactive()
		}
	}
}

func (h *Hub) expireInactive() {
	now := time.Now().UTC()
	var expired []*View

	h.mu.Lock()
	for id, v := range h.views {
		if !v.idle(now, h.cfg.IdleTimeout) {
			continue
		}
		delete(h.views, id)
		expired = append(expired, v)
	}
	n := len(h.views)
	hook := h.onExpire
	h.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	h.cfg.Metrics.SetActiveConversations(n)
	for _, v := range expired {
		v.shutdown()
		h.cfg.Metrics.ObserveSessionEvent("view_expired")
		v.logger.Info("conversation expired")
		if hook != nil {
			hook(v)
		}
	}
}

func (v *View) Manager() *Manager { return v.manager }

// Subscribe registers for view events. The channel is closed by cancel or when
// the view closes. Events are dropped for subscribers that fall behind.
func (v *View) Subscribe(buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan any, buffer)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if c, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(c)
			}
		})
	}
}

// LastActivity is the time of the last Get.
func (v *View) LastActivity() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastActivity
}

func (v *View) publish(event any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- event:
		default:
			v.logger.Debug("dropping event for slow subscriber")
		}
	}
}

func (v *View) touch() {
	v.mu.Lock()
	v.lastActivity = time.Now().UTC()
	v.mu.Unlock()
}

// idle reports whether the view has been unused for timeout with nobody subscribed.
func (v *View) idle(now time.Time, timeout time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs) == 0 && now.Sub(v.lastActivity) >= timeout
}

func (v *View) shutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}
