package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HTTPMiddleware counts API and webhook requests by route pattern and records
// their latency. Responses of 400 and above also count toward an error class.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(began)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := normalizePath(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		if status >= http.StatusBadRequest {
			m.APIErrorsTotal.WithLabelValues(categorizeStatus(status)).Inc()
		}
	})
}

// normalizePath prefers the matched chi pattern. Requests that never reached a
// route, such as webhooks for unknown connections, get their UUID segments
// masked so campaign and connection IDs do not become label values.
func normalizePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if isUUID(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// isUUID accepts only the hyphenated 36-character form
func isUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

var errorClasses = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnprocessableEntity: "bad_request",
	http.StatusUnauthorized:        "auth_error",
	http.StatusForbidden:           "auth_error",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusTooManyRequests:     "rate_limited",
}

func categorizeStatus(status int) string {
	if class, ok := errorClasses[status]; ok {
		return class
	}
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	}
	return "unknown"
}
