package middleware

import "net/http"

// SecurityHeaders sets the response headers that make sense on an
// API+WebSocket surface with no server-rendered frontend of its own.
func SecurityHeaders() func(http.Handler) http.Handler {
	csp := "default-src 'self'; connect-src 'self' wss: ws:; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}
