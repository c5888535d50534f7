package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/doubtdesk/internal/answer"
	"github.com/ent0n29/doubtdesk/internal/config"
	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/observability"
	"github.com/ent0n29/doubtdesk/internal/session"
	"github.com/ent0n29/doubtdesk/internal/suggest"
)

type testEnv struct {
	ts    *httptest.Server
	store *session.MemoryStore
	hub   *conversation.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{ConversationIdleTimeout: 2 * time.Minute}
	store := session.NewMemoryStore()
	catalog, err := suggest.DefaultCatalog(3)
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, reg, "test_httpapi")
	hub := conversation.NewHub(conversation.HubConfig{
		Store:       store,
		Answers:     answer.NewLocalService(store, catalog),
		Finder:      catalog,
		Metrics:     metrics,
		IdleTimeout: cfg.ConversationIdleTimeout,
	})
	srv := New(cfg, hub, store, metrics, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, hub: hub}
}

type response struct {
	status int
	body   map[string]any
}

func (e *testEnv) do(t *testing.T, method, path, userID, token string, body any) response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	out := response{status: res.StatusCode}
	if err := json.NewDecoder(res.Body).Decode(&out.body); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return out
}

func (e *testEnv) createConversation(t *testing.T, userID string) string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/conversations", userID, "tok", nil)
	if res.status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%v)", res.status, http.StatusCreated, res.body)
	}
	id, _ := res.body["conversation_id"].(string)
	if id == "" {
		t.Fatalf("missing conversation_id in %+v", res.body)
	}
	return id
}

func stateOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	state, ok := body["state"].(map[string]any)
	if !ok {
		t.Fatalf("missing state in %+v", body)
	}
	return state
}

func messagesOf(t *testing.T, state map[string]any) []map[string]any {
	t.Helper()
	raw, _ := state["messages"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, m := range raw {
		out = append(out, m.(map[string]any))
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	health := env.do(t, http.MethodGet, "/healthz", "", "", nil)
	if health.status != http.StatusOK || health.body["store_mode"] != "in-memory" {
		t.Fatalf("healthz = %d %+v", health.status, health.body)
	}
	ready := env.do(t, http.MethodGet, "/readyz", "", "", nil)
	if ready.status != http.StatusOK || ready.body["status"] != "ready" {
		t.Fatalf("readyz = %d %+v", ready.status, ready.body)
	}
}

func TestTurnFeedbackAndSessionListing(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")

	res := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/turns", "learner-1", "tok", map[string]string{"text": "What is Newton's second law?"})
	if res.status != http.StatusOK {
		t.Fatalf("turn status = %d (%v)", res.status, res.body)
	}
	state := stateOf(t, res.body)
	msgs := messagesOf(t, state)
	if len(msgs) != 2 || msgs[0]["role"] != "user" || msgs[1]["role"] != "mentor" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	sessionID, _ := state["active_session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing active_session_id in %+v", state)
	}
	if suggestions, _ := state["suggestions"].([]any); len(suggestions) == 0 {
		t.Fatalf("expected lecture suggestions, got none")
	}

	list := env.do(t, http.MethodGet, "/v1/sessions", "learner-1", "tok", nil)
	sessions, _ := list.body["sessions"].([]any)
	if list.status != http.StatusOK || len(sessions) != 1 {
		t.Fatalf("sessions = %d %+v", list.status, list.body)
	}
	if title := sessions[0].(map[string]any)["title"]; title != "What is Newton's second law?..." {
		t.Fatalf("title = %v", title)
	}

	stored := env.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/messages", "learner-1", "tok", nil)
	if persisted, _ := stored.body["messages"].([]any); len(persisted) != 2 {
		t.Fatalf("persisted messages = %+v", stored.body)
	}
	other := env.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/messages", "learner-2", "tok", nil)
	if other.status != http.StatusNotFound {
		t.Fatalf("foreign session status = %d, want %d", other.status, http.StatusNotFound)
	}

	mentorID, _ := msgs[1]["id"].(string)
	fb := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages/"+mentorID+"/feedback", "learner-1", "tok", map[string]string{"type": "positive"})
	if fb.status != http.StatusOK || stateOf(t, fb.body)["chat_closed"] != true {
		t.Fatalf("feedback = %d %+v", fb.status, fb.body)
	}
	again := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages/"+mentorID+"/feedback", "learner-1", "tok", map[string]string{"type": "report"})
	if again.status != http.StatusConflict || again.body["code"] != "feedback_already_submitted" {
		t.Fatalf("repeat feedback = %d %+v", again.status, again.body)
	}

	closed := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/turns", "learner-1", "tok", map[string]string{"text": "One more?"})
	if closed.status != http.StatusConflict || closed.body["code"] != "chat_closed" {
		t.Fatalf("turn after resolve = %d %+v", closed.status, closed.body)
	}
	sess, err := env.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != session.StatusResolved {
		t.Fatalf("stored status = %q, want resolved", sess.Status)
	}
}

func TestTurnWithoutCredentialReportsTurnError(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")

	res := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/turns", "learner-1", "", map[string]string{"text": "What is torque?"})
	if res.status != http.StatusOK {
		t.Fatalf("turn status = %d (%v)", res.status, res.body)
	}
	turnErr, _ := res.body["turn_error"].(map[string]any)
	if turnErr["kind"] != "auth" || turnErr["retryable"] != false {
		t.Fatalf("turn_error = %+v, want non-retryable auth", res.body["turn_error"])
	}
	msgs := messagesOf(t, stateOf(t, res.body))
	if len(msgs) != 2 || !strings.Contains(msgs[1]["content"].(string), "sign in") {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestContextSwitchNewTopicOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")
	base := "/v1/conversations/" + convID

	first := env.do(t, http.MethodPost, base+"/turns", "learner-1", "tok", map[string]string{"text": "What is torque?"})
	oldSession := stateOf(t, first.body)["active_session_id"]

	switched := env.do(t, http.MethodPost, base+"/turns", "learner-1", "tok", map[string]string{"text": "How do covalent bonds form?"})
	state := stateOf(t, switched.body)
	if state["phase"] != string(conversation.PhaseSuspended) || state["pending"] == nil {
		t.Fatalf("expected suspended state, got %+v", state)
	}

	blocked := env.do(t, http.MethodPost, base+"/turns", "learner-1", "tok", map[string]string{"text": "hello?"})
	if blocked.status != http.StatusConflict || blocked.body["code"] != "pending_decision" {
		t.Fatalf("turn while pending = %d %+v", blocked.status, blocked.body)
	}

	resolved := env.do(t, http.MethodPost, base+"/pending/new-topic", "learner-1", "tok", nil)
	if resolved.status != http.StatusOK {
		t.Fatalf("new-topic status = %d (%v)", resolved.status, resolved.body)
	}
	state = stateOf(t, resolved.body)
	msgs := messagesOf(t, state)
	if len(msgs) != 2 || msgs[0]["content"] != "How do covalent bonds form?" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if state["active_session_id"] == oldSession || state["active_session_id"] == "" {
		t.Fatalf("active_session_id = %v, want a new session", state["active_session_id"])
	}

	none := env.do(t, http.MethodPost, base+"/pending/continue", "learner-1", "tok", nil)
	if none.status != http.StatusConflict || none.body["code"] != "no_pending_decision" {
		t.Fatalf("continue without pending = %d %+v", none.status, none.body)
	}
}

func TestConversationOwnership(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")

	other := env.do(t, http.MethodGet, "/v1/conversations/"+convID, "learner-2", "tok", nil)
	if other.status != http.StatusNotFound {
		t.Fatalf("foreign conversation status = %d, want %d", other.status, http.StatusNotFound)
	}
	closed := env.do(t, http.MethodDelete, "/v1/conversations/"+convID, "learner-1", "tok", nil)
	if closed.status != http.StatusOK {
		t.Fatalf("delete status = %d", closed.status)
	}
	if env.hub.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", env.hub.ActiveCount())
	}
}

func TestConversationWebSocketTurn(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/conversations/" + convID + "/ws"
	header := http.Header{}
	header.Set("X-User-ID", "learner-1")
	header.Set("Authorization", "Bearer tok")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial map[string]any
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if initial["type"] != "conversation_state" {
		t.Fatalf("first event = %+v", initial)
	}

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var errEvent map[string]any
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent["type"] != "error_event" || errEvent["code"] != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}

	if err := conn.WriteJSON(map[string]string{"type": "submit_turn", "text": "What is torque?"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var sawSelected bool
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev["type"] == "session_selected" {
			sawSelected = true
			break
		}
		if ev["type"] != "conversation_state" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if !sawSelected {
		t.Fatalf("no session_selected event")
	}
	snap := env.do(t, http.MethodGet, "/v1/conversations/"+convID, "learner-1", "tok", nil)
	if msgs := messagesOf(t, stateOf(t, snap.body)); len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func (e *testEnv) dialWS(t *testing.T, convID, userID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/conversations/" + convID + "/ws"
	header := http.Header{}
	header.Set("X-User-ID", userID)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial map[string]any
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if initial["type"] != "conversation_state" {
		t.Fatalf("first event = %+v", initial)
	}
	return conn
}

// readUntil reads events until one of type want arrives and returns it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() waiting for %s error = %v", want, err)
		}
		if ev["type"] == want {
			return ev
		}
	}
}

func TestConversationWebSocketRunsFramesInOrder(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")
	conn := env.dialWS(t, convID, "learner-1", "tok")

	for round := 0; round < 5; round++ {
		// Sent back to back: the reset must land before the question.
		if err := conn.WriteJSON(map[string]string{"type": "load_session", "session_id": ""}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
		if err := conn.WriteJSON(map[string]string{"type": "submit_turn", "text": "How do covalent bonds form?"}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
		selected := readUntil(t, conn, "session_selected")

		res := env.do(t, http.MethodGet, "/v1/conversations/"+convID, "learner-1", "tok", nil)
		state := stateOf(t, res.body)
		msgs := messagesOf(t, state)
		if len(msgs) != 2 {
			t.Fatalf("round %d: messages = %+v, want question and reply", round, msgs)
		}
		if msgs[0]["role"] != "user" || msgs[0]["content"] != "How do covalent bonds form?" {
			t.Fatalf("round %d: first message = %+v", round, msgs[0])
		}
		if state["active_session_id"] != selected["session_id"] {
			t.Fatalf("round %d: active session = %v, selected %v", round, state["active_session_id"], selected["session_id"])
		}
	}
}

func TestConversationWebSocketErrorEventsCarryRetryability(t *testing.T) {
	env := newTestEnv(t)
	convID := env.createConversation(t, "learner-1")
	conn := env.dialWS(t, convID, "learner-1", "")

	if err := conn.WriteJSON(map[string]string{"type": "submit_turn", "text": "What is torque?"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ev := readUntil(t, conn, "error_event")
	if ev["code"] != "turn_failed" || ev["source"] != "auth" || ev["retryable"] != false {
		t.Fatalf("turn error event = %+v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "submit_feedback", "message_id": "nope", "feedback_type": "report"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	ev = readUntil(t, conn, "error_event")
	if ev["code"] != "message_not_found" || ev["retryable"] != false {
		t.Fatalf("feedback error event = %+v", ev)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "turn in flight", err: conversation.ErrTurnInFlight, want: true},
		{name: "chat closed", err: conversation.ErrChatClosed, want: false},
		{name: "unknown session", err: session.ErrNotFound, want: false},
		{name: "upstream 503", err: &conversation.TurnError{Kind: conversation.ErrorAnswer, Err: &answer.StatusError{StatusCode: 503}}, want: true},
		{name: "upstream 400", err: &conversation.TurnError{Kind: conversation.ErrorAnswer, Err: &answer.StatusError{StatusCode: 400}}, want: false},
		{name: "missing credential", err: &conversation.TurnError{Kind: conversation.ErrorAuth, Err: conversation.ErrMissingCredential}, want: false},
		{name: "store outage", err: context.DeadlineExceeded, want: true},
	}
	for _, tc := range tests {
		if got := retryable(tc.err); got != tc.want {
			t.Fatalf("%s: retryable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// detachedStore records whether history reads ran on a context that the
// request could still cancel.
type detachedStore struct {
	*session.MemoryStore
	cancelable chan bool
}

func (s *detachedStore) ListMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	s.cancelable <- ctx.Done() != nil
	return s.MemoryStore.ListMessages(ctx, sessionID)
}

func TestLoadSessionOutlivesRequest(t *testing.T) {
	store := &detachedStore{MemoryStore: session.NewMemoryStore(), cancelable: make(chan bool, 4)}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, reg, "test_httpapi_detached")
	hub := conversation.NewHub(conversation.HubConfig{
		Store:   store,
		Answers: answer.NewLocalService(store, nil),
		Metrics: metrics,
	})
	ts := httptest.NewServer(New(config.Config{ConversationIdleTimeout: time.Minute}, hub, store, metrics, nil).Router())
	defer ts.Close()
	env := &testEnv{ts: ts, store: store.MemoryStore, hub: hub}

	sess, err := store.CreateSession(context.Background(), session.CreateRequest{UserID: "learner-1", Title: "Torque..."})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	convID := env.createConversation(t, "learner-1")

	res := env.do(t, http.MethodPost, "/v1/conversations/"+convID+"/session", "learner-1", "tok", map[string]string{"session_id": sess.ID})
	if res.status != http.StatusOK {
		t.Fatalf("load status = %d (%v)", res.status, res.body)
	}
	if cancelable := <-store.cancelable; cancelable {
		t.Fatalf("history load ran on the request context")
	}
}
