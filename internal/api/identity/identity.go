// Package identity resolves the calling user for authenticated routes.
// Authentication itself (login, sessions, tokens) lives in an upstream
// subsystem; this package only consumes the identity it establishes.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated indicates no caller identity could be resolved.
var ErrUnauthenticated = errors.New("identity: no authenticated caller")

// Resolver extracts the calling user's ID from a request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// DefaultUserHeader is stamped by the authenticating gateway in front of
// this service.
const DefaultUserHeader = "X-User-ID"

// HeaderResolver trusts the user ID header injected by the gateway. Header
// defaults to DefaultUserHeader when empty.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

type contextKey string

const userIDKey contextKey = "userId"

// Middleware rejects requests without a resolvable caller and threads the
// user ID through the request context.
func Middleware(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := res.Resolve(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication required"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID injects a caller identity into the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID retrieves the caller identity from the context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
