package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// StructuredLogger logs one line per request with slog: request id (from
// chi's RequestID), method, path, status, bytes, and duration. The response
// writer is wrapped with chi's WrapResponseWriter, which passes Hijack
// through — the media-stream and realtime endpoints upgrade to WebSocket
// and a wrapper without Hijack would break them.
func StructuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// Hijacked connection (WebSocket upgrade); the 101 was written
			// on the raw conn.
			status = http.StatusSwitchingProtocols
		}

		slog.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
