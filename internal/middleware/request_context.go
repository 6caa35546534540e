package middleware

import (
	"net/http"

	"emoji-chat/internal/observability"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestContext copies the chi request id into the logging context and
// echoes it back in the X-Request-Id header. It must run after
// chimiddleware.RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimiddleware.GetReqID(r.Context())
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(chimiddleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}
