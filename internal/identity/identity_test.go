package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
		"Basic abc":    "",
		"":             "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromContextRequiresUserAndToken(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("FromContext(empty) ok = true")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1"})
	if _, ok := FromContext(ctx); ok {
		t.Fatalf("FromContext(no token) ok = true")
	}
	if got := UserIDFromContext(ctx); got != "u1" {
		t.Fatalf("UserIDFromContext() = %q, want u1", got)
	}
	ctx = WithPrincipal(context.Background(), Principal{UserID: "u1", Token: "t"})
	p, ok := FromContext(ctx)
	if !ok || p.Token != "t" {
		t.Fatalf("FromContext() = %+v, %v", p, ok)
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	var got Principal
	var ok bool
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set(UserIDHeaderName, "learner-7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !ok || got.UserID != "learner-7" || got.Token != "tok-1" {
		t.Fatalf("principal = %+v, ok = %v", got, ok)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if ok {
		t.Fatalf("anonymous request produced principal %+v", got)
	}
}
