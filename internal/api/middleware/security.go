package middleware

import "net/http"

// SecurityHeaders sets browser security headers on every response. The
// server is a JSON/WebSocket API with no HTML surface, so the CSP denies
// everything and only exists to neuter a response that somehow gets
// rendered. HSTS is sent only when tlsEnabled — caching an HSTS policy for
// a plain-HTTP deployment locks browsers out.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cache-Control", "no-store")
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
