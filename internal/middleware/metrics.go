package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"emoji-chat/internal/observability"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests no route matched, keeping label cardinality
// bounded
const unmatchedRoute = "unmatched"

// Metrics records request counts and latency per chi route pattern
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			status := strconv.Itoa(ww.statusCode)
			path := routeLabel(r)

			// A hijacked connection lives as long as the websocket session, so
			// only its upgrade is counted
			if ww.hijacked {
				status = strconv.Itoa(http.StatusSwitchingProtocols)
			} else {
				observability.HTTPRequestDuration.WithLabelValues(
					r.Method,
					path,
					status,
				).Observe(time.Since(start).Seconds())
			}

			observability.HTTPRequestsTotal.WithLabelValues(
				r.Method,
				path,
				status,
			).Inc()
		})
	}
}

// routeLabel returns the chi route pattern, e.g. /api/v1/rooms/{id}
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("responsewriter does not implement http.Hijacker")
	}
	conn, buf, err := hijacker.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}
