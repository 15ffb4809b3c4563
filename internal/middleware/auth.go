// Package middleware carries the ambient HTTP concerns: a
// context-injecting auth gate and an IP-bucketed rate limiter. No API
// keys, no revocation list, no DB lookup for account status. The identity
// lifecycle lives elsewhere, and only token verification crosses into this
// service.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"chessmata-core/internal/auth"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// RequireUser validates the bearer token against the external credential
// verifier and injects the resulting user id into the request context.
// Responds 401 on anything it can't verify.
func RequireUser(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := extractAndVerify(v, r)
			if !ok {
				http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAndVerify pulls a bearer token from the Authorization header, or
// (for the WebSocket upgrade route, where browsers can't set arbitrary
// headers on the handshake) the "token" query parameter.
func extractAndVerify(v *auth.Verifier, r *http.Request) (string, bool) {
	raw := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			raw = parts[1]
		}
	}
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", false
	}
	userID, err := v.VerifyToken(raw)
	if err != nil {
		return "", false
	}
	return userID, true
}

// UserIDFromContext retrieves the verified caller identity set by RequireUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}
