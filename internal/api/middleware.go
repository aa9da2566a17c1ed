package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const tenantKey ctxKey = iota

// loggingMiddleware writes one line per request. Server errors log at error
// level and client errors at warn.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()

		// authMiddleware fills this in further down the chain
		var tenant string
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), tenantKey, &tenant)))

		level := slog.LevelInfo
		switch status := ww.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(began),
			"bytes", ww.BytesWritten(),
			"tenant_id", tenant,
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the caller's API key to a tenant and scopes the
// request to it
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := s.config.TenantForKey(apiKey(r))
		if !ok {
			s.logger.Warn("unauthorized API request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if slot, ok := r.Context().Value(tenantKey).(*string); ok {
			*slot = tenant
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// apiKey reads a bearer token, falling back to X-API-Key
func apiKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// tenantFrom returns the tenant set by authMiddleware
func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}
