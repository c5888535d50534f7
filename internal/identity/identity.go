// Package identity carries the authenticated learner and their bearer credential.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const UserIDHeaderName = "X-User-ID"

// Principal is the current learner as seen by the answer service.
type Principal struct {
	UserID string
	Token  string
}

type contextKey int

const principalKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal on ctx. ok is false unless both the user id
// and the credential are present.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.UserID == "" || p.Token == "" {
		return Principal{}, false
	}
	return p, true
}

// UserIDFromContext returns the user id on ctx, or empty.
func UserIDFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(Principal)
	return p.UserID
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Middleware reads the bearer credential and user id from the request. Requests
// without them pass through unauthenticated; turns surface the missing credential.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeaderName))
		if !userIDPattern.MatchString(userID) {
			userID = ""
		}
		token := BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if userID == "" && token == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithPrincipal(r.Context(), Principal{UserID: userID, Token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
