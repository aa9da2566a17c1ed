package api

import (
	"context"
	"net/http"
	"time"

	"github.com/foxzi/zapcast/internal/ratelimit"
)

// RateLimits reads quota usage without consuming it
type RateLimits interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
	Check(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// QuotaUsage is the usage of one quota key in its current windows
type QuotaUsage struct {
	Level       ratelimit.Level `json:"level"`
	Key         string          `json:"key"`
	HourlyCount int             `json:"hourly_count"`
	DailyCount  int             `json:"daily_count"`
	HourStart   *time.Time      `json:"hour_start,omitempty"`
	DayStart    *time.Time      `json:"day_start,omitempty"`
}

// ConnectionQuota adds whether the next send on a connection would be admitted
type ConnectionQuota struct {
	QuotaUsage
	Name              string          `json:"name"`
	Allowed           bool            `json:"allowed"`
	DeniedBy          ratelimit.Level `json:"denied_by,omitempty"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
}

// RateLimitResponse is the response for GET /api/v1/ratelimit
type RateLimitResponse struct {
	Tenant      QuotaUsage        `json:"tenant"`
	Connections []ConnectionQuota `json:"connections"`
}

// handleRateLimit handles GET /api/v1/ratelimit
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.RateLimits == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Rate limiting is not enabled")
		return
	}
	ctx := r.Context()
	tenantID := tenantFrom(ctx)

	tenant, err := s.deps.RateLimits.GetStats(ctx, ratelimit.LevelTenant, tenantID)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	conns, err := s.deps.Connections.List(ctx, tenantID)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	resp := RateLimitResponse{Tenant: usage(tenant), Connections: []ConnectionQuota{}}
	for _, c := range conns {
		st, err := s.deps.RateLimits.GetStats(ctx, ratelimit.LevelConnection, c.ID)
		if err != nil {
			s.handleServiceError(w, r, err)
			return
		}
		res, err := s.deps.RateLimits.Check(ctx, &ratelimit.Request{TenantID: tenantID, ConnectionID: c.ID})
		if err != nil {
			s.handleServiceError(w, r, err)
			return
		}

		q := ConnectionQuota{QuotaUsage: usage(st), Name: c.Name, Allowed: res.Allowed}
		if !res.Allowed {
			q.DeniedBy = res.DeniedBy
			q.RetryAfterSeconds = int(res.RetryAfter.Round(time.Second) / time.Second)
		}
		resp.Connections = append(resp.Connections, q)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

func usage(st *ratelimit.Stats) QuotaUsage {
	u := QuotaUsage{Level: st.Level, Key: st.Key, HourlyCount: st.HourlyCount, DailyCount: st.DailyCount}
	if !st.HourStart.IsZero() {
		u.HourStart = &st.HourStart
		u.DayStart = &st.DayStart
	}
	return u
}
