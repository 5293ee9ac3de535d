// Package middleware provides HTTP middleware for session auth and
// permission enforcement. The authenticated user is loaded from the user
// store on every request so permission changes take effect immediately.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fpv-tools/racetimer/auth"
	"github.com/fpv-tools/racetimer/store"
)

// SessionCookie carries the session JWT for browser clients; API clients
// may send it as a Bearer token instead.
const SessionCookie = "session"

type contextKey int

const ctxUser contextKey = iota

// RequireAuth validates the session token and injects the loaded user into
// the request context. Returns 401 on missing/invalid token or unknown
// user.
func RequireAuth(secret []byte, users store.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := Authenticate(r, secret, users)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// Authenticate resolves the request's session token to a user record.
func Authenticate(r *http.Request, secret []byte, users store.UserStore) (*store.User, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return nil, errors.New("missing session token")
	}

	claims, err := auth.ParseSessionToken(secret, raw)
	if err != nil {
		return nil, err
	}

	user, err := users.UserByAuthID(r.Context(), claims.AuthID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("unknown session user")
	}
	if err != nil {
		return nil, errors.New("session lookup failed")
	}
	return user, nil
}

// RequirePermission returns 403 unless the context user holds perm.
// Must be wrapped by RequireAuth.
func RequirePermission(perm store.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := ContextUser(r)
			if user == nil || !user.HasPermission(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser returns ctx carrying the authenticated user.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, ctxUser, user)
}

// ContextUser extracts the user injected by RequireAuth, or nil.
func ContextUser(r *http.Request) *store.User {
	v, _ := r.Context().Value(ctxUser).(*store.User)
	return v
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
