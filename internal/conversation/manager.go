package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ent0n29/doubtdesk/internal/answer"
	"github.com/ent0n29/doubtdesk/internal/identity"
	"github.com/ent0n29/doubtdesk/internal/observability"
	"github.com/ent0n29/doubtdesk/internal/policy"
	"github.com/ent0n29/doubtdesk/internal/reliability"
	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

// SessionStore is the part of session.Store the manager needs.
type SessionStore interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	SetStatus(ctx context.Context, id string, status session.Status) error
	ListMessages(ctx context.Context, sessionID string) ([]session.Message, error)
}

// Deps wires a Manager to its collaborators. Store and Answers are required.
type Deps struct {
	Store   SessionStore
	Answers answer.Service
	Finder  suggest.Finder
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// OnChange receives a snapshot after every visible mutation.
	OnChange func(Snapshot)
	// OnSessionSelected is told when the manager binds a session it created.
	OnSessionSelected func(sessionID string)
}

// Manager is the state of one conversation view. It is safe for concurrent use;
// collaborator calls run without the lock held.
type Manager struct {
	id      string
	store   SessionStore
	answers answer.Service
	finder  suggest.Finder
	metrics *observability.Metrics
	logger  *slog.Logger

	onChange          func(Snapshot)
	onSessionSelected func(string)

	mu              sync.Mutex
	messages        []session.Message
	activeSessionID string
	chatClosed      bool
	pending         *PendingContextSwitch
	phase           Phase
	suggestions     []suggest.Lecture
	// epoch changes whenever the transcript is replaced; async results from an
	// older epoch are dropped.
	epoch   uint64
	version uint64
	// suppressReload names the one session whose next reload is skipped.
	suppressReload string
}

// turn is the identity an async continuation is checked against.
type turn struct {
	epoch     uint64
	sessionID string
	text      string
	newTopic  bool
	created   bool
}

type turnResult struct {
	resp answer.Response
	err  *TurnError
}

func NewManager(id string, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		id:                id,
		store:             deps.Store,
		answers:           deps.Answers,
		finder:            deps.Finder,
		metrics:           deps.Metrics,
		logger:            logger.With("conversation_id", id),
		onChange:          deps.OnChange,
		onSessionSelected: deps.OnSessionSelected,
		phase:             PhaseIdle,
	}
}

func (m *Manager) ID() string { return m.id }

// Snapshot returns a deep copy of the visible state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// SubmitTurn runs one learner turn. Precondition failures return a sentinel
// error and change nothing; turn-level failures return *TurnError after the
// error text has been appended as a mentor message.
func (m *Manager) SubmitTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	m.mu.Lock()
	if err := m.admitTurnLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	history := cloneMessages(m.messages)
	m.messages = append(m.messages, newMessage(session.RoleUser, text))
	m.phase = PhaseAwaiting
	t := turn{epoch: m.epoch, sessionID: m.activeSessionID, text: text}
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.logger.Debug("turn submitted", "session_id", t.sessionID, "text", policy.LogText(text))
	return m.runTurn(ctx, t, history)
}

// ResolvePendingContinue keeps the earlier question: the off-topic user message
// is withdrawn and acknowledged.
func (m *Manager) ResolvePendingContinue() error {
	m.mu.Lock()
	if m.phase != PhaseSuspended || m.pending == nil {
		m.mu.Unlock()
		return ErrNoPendingDecision
	}
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == session.RoleUser {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			break
		}
	}
	m.messages = append(m.messages, newMessage(session.RoleMentor, ContinueText))
	m.pending = nil
	m.phase = PhaseIdle
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.metrics.ObserveContextSwitch("continue")
	return nil
}

// ResolvePendingNewTopic reissues the off-topic question against a fresh
// session. The new session becomes active only once its reply is visible.
func (m *Manager) ResolvePendingNewTopic(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseSuspended || m.pending == nil {
		m.mu.Unlock()
		return ErrNoPendingDecision
	}
	text := m.pending.UserMessage
	m.pending = nil
	m.epoch++
	m.messages = []session.Message{newMessage(session.RoleUser, text)}
	m.chatClosed = false
	m.suggestions = nil
	m.activeSessionID = ""
	m.suppressReload = ""
	m.phase = PhaseAwaiting
	t := turn{epoch: m.epoch, text: text, newTopic: true}
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.metrics.ObserveContextSwitch("new_topic")
	return m.runTurn(ctx, t, nil)
}

// LoadSession replaces the transcript with a stored session. An empty id resets
// the view. A reload of the session this manager just announced is skipped once.
func (m *Manager) LoadSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)

	m.mu.Lock()
	if sessionID == "" {
		m.epoch++
		m.messages = nil
		m.activeSessionID = ""
		m.chatClosed = false
		m.pending = nil
		m.suggestions = nil
		m.suppressReload = ""
		m.phase = PhaseIdle
		snap := m.commitLocked()
		m.mu.Unlock()
		m.emit(snap)
		m.metrics.ObserveSessionEvent("reset")
		return nil
	}
	if token := m.suppressReload; token != "" {
		m.suppressReload = ""
		if token == sessionID {
			m.mu.Unlock()
			m.logger.Debug("history reload suppressed", "session_id", sessionID)
			m.metrics.ObserveSessionEvent("reload_suppressed")
			return nil
		}
	}
	m.epoch++
	epoch := m.epoch
	// A pending decision survives until the new transcript is in hand.
	m.phase = PhaseLoading
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	start := time.Now()
	sess, err := m.store.GetSession(ctx, sessionID)
	var history []session.Message
	if err == nil {
		history, err = m.store.ListMessages(ctx, sessionID)
	}
	m.metrics.ObserveStage(observability.StageHistoryLoad, time.Since(start))

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Debug("dropping stale history load", "session_id", sessionID)
		m.metrics.ObserveSessionEvent("load_stale")
		m.metrics.ObserveDrop(DropStaleLoad)
		return nil
	}
	if err != nil {
		m.phase = PhaseIdle
		if m.pending != nil {
			m.phase = PhaseSuspended
		}
		snap = m.commitLocked()
		m.mu.Unlock()
		m.emit(snap)
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	m.phase = PhaseIdle
	m.pending = nil
	m.activeSessionID = sess.ID
	m.chatClosed = sess.Status == session.StatusResolved
	m.messages = history
	m.suggestions = m.suggestFor(firstUserMessage(history))
	snap = m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.metrics.ObserveSessionEvent("loaded")
	return nil
}

// SubmitFeedback records feedback on a mentor message. Positive feedback
// resolves the active session; negative feedback asks for more help.
func (m *Manager) SubmitFeedback(ctx context.Context, messageID string, kind session.FeedbackType) error {
	if !kind.Valid() {
		return ErrInvalidFeedback
	}

	m.mu.Lock()
	idx := m.indexLocked(messageID)
	if idx < 0 {
		m.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.messages[idx].Role != session.RoleMentor {
		m.mu.Unlock()
		return ErrFeedbackNotAllowed
	}
	if m.messages[idx].FeedbackSubmitted {
		m.mu.Unlock()
		return ErrFeedbackAlreadySubmitted
	}

	switch kind {
	case session.FeedbackPositive:
		sessionID := m.activeSessionID
		if sessionID == "" {
			m.mu.Unlock()
			return ErrNoActiveSession
		}
		markFeedback(&m.messages[idx], kind)
		epoch := m.epoch
		snap := m.commitLocked()
		m.mu.Unlock()
		m.emit(snap)
		return m.resolveSession(ctx, epoch, sessionID, messageID)
	case session.FeedbackNegative:
		if err := m.admitTurnLocked(); err != nil {
			m.mu.Unlock()
			return err
		}
		markFeedback(&m.messages[idx], kind)
		snap := m.commitLocked()
		m.mu.Unlock()
		m.emit(snap)
		err := m.SubmitTurn(ctx, FollowUpText)
		if isPrecondition(err) {
			// Another operation took the turn first; leave the message open.
			m.unmarkFeedback(messageID, kind)
			return err
		}
		m.metrics.ObserveFeedback(string(kind))
		return err
	default:
		markFeedback(&m.messages[idx], kind)
		snap := m.commitLocked()
		m.mu.Unlock()
		m.emit(snap)
		m.metrics.ObserveFeedback(string(kind))
		return nil
	}
}

func (m *Manager) resolveSession(ctx context.Context, epoch uint64, sessionID, messageID string) error {
	err := m.store.SetStatus(ctx, sessionID, session.StatusResolved)

	m.mu.Lock()
	current := m.epoch == epoch && m.activeSessionID == sessionID
	if err != nil {
		m.mu.Unlock()
		if current {
			m.unmarkFeedback(messageID, session.FeedbackPositive)
		}
		m.logger.Warn("resolve session failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("resolve session %s: %w", sessionID, err)
	}
	if current {
		m.chatClosed = true
	}
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	m.metrics.ObserveFeedback(string(session.FeedbackPositive))
	m.metrics.ObserveSessionEvent("resolved")
	m.logger.Info("doubt session resolved", "session_id", sessionID)
	return nil
}

// unmarkFeedback clears a mark placed by SubmitFeedback if it is still there.
func (m *Manager) unmarkFeedback(messageID string, kind session.FeedbackType) {
	m.mu.Lock()
	idx := m.indexLocked(messageID)
	if idx < 0 || m.messages[idx].FeedbackType != kind {
		m.mu.Unlock()
		return
	}
	m.messages[idx].FeedbackSubmitted = false
	m.messages[idx].FeedbackType = ""
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *Manager) runTurn(ctx context.Context, t turn, history []session.Message) error {
	started := time.Now()
	defer func() {
		m.metrics.ObserveStage(observability.StageTurnTotal, time.Since(started))
	}()

	principal, ok := identity.FromContext(ctx)
	if !ok {
		return m.finishTurn(t, turnResult{err: &TurnError{Kind: ErrorAuth, Err: ErrMissingCredential}})
	}

	if t.sessionID == "" {
		sess, err := m.createSession(ctx, principal.UserID, t.text)
		if err != nil {
			return m.finishTurn(t, turnResult{err: &TurnError{Kind: ErrorSessionCreate, Err: err}})
		}
		t.sessionID = sess.ID
		t.created = true
		if !m.bindCreated(t) {
			return m.finishTurn(t, turnResult{})
		}
	}

	start := time.Now()
	resp, err := m.answers.Answer(ctx, answer.Request{
		Message:          t.text,
		SessionID:        t.sessionID,
		History:          history,
		SkipContextCheck: t.newTopic,
		Token:            principal.Token,
	})
	m.metrics.ObserveStage(observability.StageAnswer, time.Since(start))
	if err != nil {
		return m.finishTurn(t, turnResult{err: &TurnError{Kind: ErrorAnswer, Err: err}})
	}
	return m.finishTurn(t, turnResult{resp: resp})
}

func (m *Manager) createSession(ctx context.Context, userID, text string) (*session.Session, error) {
	start := time.Now()
	sess, err := m.store.CreateSession(ctx, session.CreateRequest{
		UserID: userID,
		Title:  Title(text),
		Status: session.StatusOpen,
	})
	m.metrics.ObserveStage(observability.StageSessionCreate, time.Since(start))
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveSessionEvent("created")
	m.logger.Info("doubt session created", "session_id", sess.ID)
	return sess, nil
}

// bindCreated makes a lazily created session active for an ordinary turn. A new
// topic session is bound only after its reply. It reports whether t is current.
func (m *Manager) bindCreated(t turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != t.epoch {
		return false
	}
	if t.newTopic {
		return true
	}
	if m.activeSessionID != "" {
		return false
	}
	m.activeSessionID = t.sessionID
	return true
}

func (m *Manager) finishTurn(t turn, res turnResult) error {
	m.mu.Lock()
	if !m.currentLocked(t) {
		m.mu.Unlock()
		m.logger.Debug("dropping stale turn result", "session_id", t.sessionID)
		m.metrics.ObserveTurn("stale")
		m.metrics.ObserveDrop(DropStaleTurn)
		return nil
	}

	var outcome string
	switch {
	case res.err != nil:
		m.messages = append(m.messages, newMessage(session.RoleMentor, res.err.Reply()))
		m.phase = PhaseIdle
		outcome = string(res.err.Kind) + "_error"
	case res.resp.IsDifferentTopic && !t.newTopic:
		m.pending = &PendingContextSwitch{Reply: res.resp.Reply, UserMessage: t.text}
		m.phase = PhaseSuspended
		outcome = "suspended"
	default:
		m.messages = append(m.messages, newMessage(session.RoleMentor, res.resp.Reply))
		if len(res.resp.SuggestedLectures) > 0 {
			m.suggestions = append([]suggest.Lecture(nil), res.resp.SuggestedLectures...)
		}
		m.phase = PhaseIdle
		outcome = "answered"
	}

	var selected string
	if t.created {
		m.activeSessionID = t.sessionID
		m.suppressReload = t.sessionID
		selected = t.sessionID
	}
	snap := m.commitLocked()
	m.mu.Unlock()
	m.emit(snap)

	if selected != "" && m.onSessionSelected != nil {
		m.onSessionSelected(selected)
	}
	m.metrics.ObserveTurn(outcome)
	if res.err != nil {
		if res.err.Kind == ErrorAnswer {
			m.metrics.ObserveAnswerError(reliability.Code(answer.StatusCode(res.err.Err), res.err.Err))
		}
		m.logger.Warn("turn failed", "session_id", t.sessionID, "kind", res.err.Kind, "error", res.err.Err)
		return res.err
	}
	return nil
}

// currentLocked reports whether results for t may still be applied.
func (m *Manager) currentLocked(t turn) bool {
	if m.epoch != t.epoch {
		return false
	}
	if t.newTopic {
		return true
	}
	return m.activeSessionID == t.sessionID
}

func (m *Manager) admitTurnLocked() error {
	if m.chatClosed {
		return ErrChatClosed
	}
	switch m.phase {
	case PhaseSuspended:
		return ErrPendingDecision
	case PhaseAwaiting, PhaseLoading:
		return ErrTurnInFlight
	}
	return nil
}

func (m *Manager) indexLocked(messageID string) int {
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (m *Manager) suggestFor(text string) []suggest.Lecture {
	if m.finder == nil || text == "" {
		return nil
	}
	return m.finder.Suggest(text)
}

func (m *Manager) commitLocked() Snapshot {
	m.version++
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	var pending *PendingContextSwitch
	if m.pending != nil {
		p := *m.pending
		pending = &p
	}
	return Snapshot{
		ConversationID:  m.id,
		Version:         m.version,
		Phase:           m.phase,
		ActiveSessionID: m.activeSessionID,
		Messages:        cloneMessages(m.messages),
		ChatClosed:      m.chatClosed,
		IsTyping:        m.phase == PhaseAwaiting,
		Pending:         pending,
		Suggestions:     append([]suggest.Lecture{}, m.suggestions...),
	}
}

func (m *Manager) emit(snap Snapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}

func newMessage(role session.Role, content string) session.Message {
	return session.Message{
		ID:        localID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func localID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return fmt.Sprintf("local_%d", time.Now().UnixNano())
	}
	return "local_" + id
}

func markFeedback(msg *session.Message, kind session.FeedbackType) {
	msg.FeedbackSubmitted = true
	msg.FeedbackType = kind
}

func cloneMessages(in []session.Message) []session.Message {
	out := make([]session.Message, len(in))
	copy(out, in)
	return out
}

func firstUserMessage(history []session.Message) string {
	for _, msg := range history {
		if msg.Role == session.RoleUser {
			return msg.Content
		}
	}
	return ""
}
