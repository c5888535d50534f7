package answer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/doubtdesk/internal/session"
)

func TestHTTPServiceSendsBearerAndDecodesReply(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"F = ma defines force","isDifferentTopic":false,"suggestedLectures":[{"title":"Newton","chapterTitle":"Laws","subject":"Physics","url":"/n"}]}`))
	}))
	defer ts.Close()

	svc := NewHTTPService(ts.URL, time.Second)
	resp, err := svc.Answer(context.Background(), Request{
		Message:   "What is Newton's second law?",
		SessionID: "s1",
		Token:     "tok",
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if resp.Reply != "F = ma defines force" {
		t.Fatalf("Reply = %q", resp.Reply)
	}
	if len(resp.SuggestedLectures) != 1 || resp.SuggestedLectures[0].ChapterTitle != "Laws" {
		t.Fatalf("SuggestedLectures = %+v", resp.SuggestedLectures)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want bearer credential", gotAuth)
	}
	if gotBody["sessionId"] != "s1" || gotBody["message"] != "What is Newton's second law?" {
		t.Fatalf("request body = %+v", gotBody)
	}
	if hist, ok := gotBody["history"].([]any); !ok || len(hist) != 0 {
		t.Fatalf("history = %#v, want empty array", gotBody["history"])
	}
	if _, ok := gotBody["skipContextCheck"]; ok {
		t.Fatalf("skipContextCheck should be omitted when false")
	}
}

func TestHTTPServiceNon2xxCarriesUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}))
	defer ts.Close()

	_, err := NewHTTPService(ts.URL, time.Second).Answer(context.Background(), Request{Message: "hi", SessionID: "s1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Answer() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Message != "model overloaded" {
		t.Fatalf("StatusError = %+v", se)
	}
	if !se.Retryable() {
		t.Fatalf("503 should be retryable")
	}
	if UpstreamMessage(err) != "model overloaded" || StatusCode(err) != 503 {
		t.Fatalf("UpstreamMessage/StatusCode = %q/%d", UpstreamMessage(err), StatusCode(err))
	}
}

func TestHTTPServiceNonJSONErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewHTTPService(ts.URL, time.Second).Answer(context.Background(), Request{Message: "hi", SessionID: "s1"})
	if got := UpstreamMessage(err); got != "upstream exploded" {
		t.Fatalf("UpstreamMessage() = %q, want body text", got)
	}
}

func TestHTTPServiceLongErrorBodyKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("a", errorExcerptBytes-1) + strings.Repeat("é", 10)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	_, err := NewHTTPService(ts.URL, time.Second).Answer(context.Background(), Request{Message: "hi", SessionID: "s1"})
	got := UpstreamMessage(err)
	if !utf8.ValidString(got) {
		t.Fatalf("UpstreamMessage() is not valid UTF-8: %q", got[len(got)-4:])
	}
	if want := strings.Repeat("a", errorExcerptBytes-1); got != want {
		t.Fatalf("UpstreamMessage() length = %d, want %d", len(got), len(want))
	}
}

func TestNewSelectsMode(t *testing.T) {
	store := session.NewMemoryStore()
	svc, err := New(Config{Mode: "auto"}, store, nil)
	if err != nil {
		t.Fatalf("New(auto) error = %v", err)
	}
	if _, ok := svc.(*LocalService); !ok {
		t.Fatalf("New(auto, no url) = %T, want *LocalService", svc)
	}
	svc, err = New(Config{Mode: "auto", URL: "http://answers.test"}, store, nil)
	if err != nil {
		t.Fatalf("New(auto, url) error = %v", err)
	}
	if _, ok := svc.(*HTTPService); !ok {
		t.Fatalf("New(auto, url) = %T, want *HTTPService", svc)
	}
	if _, err := New(Config{Mode: "http"}, store, nil); err == nil {
		t.Fatalf("New(http) without url should fail")
	}
	if _, err := New(Config{Mode: "grpc"}, store, nil); err == nil {
		t.Fatalf("New(grpc) should fail")
	}
}
