package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const maxTraceIDLen = 128

// TraceMiddleware assigns each request a trace id, reusing X-Trace-ID or X-Request-ID from
// upstream when they are sane, and echoes it back. Problem responses carry the same id.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := inboundTraceID(r)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		r.Header.Set("X-Trace-ID", traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceContextKey, traceID)))
	})
}

func inboundTraceID(r *http.Request) string {
	for _, h := range []string{"X-Trace-ID", "X-Request-ID"} {
		if id := r.Header.Get(h); id != "" && len(id) <= maxTraceIDLen {
			return id
		}
	}
	return ""
}
