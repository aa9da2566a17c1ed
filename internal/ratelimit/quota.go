package ratelimit

import "time"

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Counter holds the usage of one quota key in its current hour and day windows
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// roll starts a fresh window for every span that has elapsed
func (c *Counter) roll(now time.Time) {
	if now.Sub(c.HourStart) >= hourWindow {
		c.HourlyCount = 0
		c.HourStart = now
	}
	if now.Sub(c.DayStart) >= dayWindow {
		c.DailyCount = 0
		c.DayStart = now
	}
}

func (c *Counter) add() {
	c.HourlyCount++
	c.DailyCount++
}

// exceeds reports whether limit is already used up and, if so, how long until
// the blocking window resets. The hourly window is checked first.
func (c *Counter) exceeds(limit *LimitConfig, now time.Time) (time.Duration, bool) {
	if limit.MessagesPerHour > 0 && c.HourlyCount >= limit.MessagesPerHour {
		return c.HourStart.Add(hourWindow).Sub(now), true
	}
	if limit.MessagesPerDay > 0 && c.DailyCount >= limit.MessagesPerDay {
		return c.DayStart.Add(dayWindow).Sub(now), true
	}
	return 0, false
}

type quota struct {
	level Level
	key   string
	limit *LimitConfig
}

func (q quota) deny(retryAfter time.Duration) *Result {
	return &Result{DeniedBy: q.level, DeniedKey: q.key, RetryAfter: retryAfter}
}

// quotasFor lists the configured quotas a send counts against, broadest first
func (l *Limiter) quotasFor(req *Request) []quota {
	var out []quota
	add := func(level Level, id string, limit *LimitConfig) {
		if id != "" && limit != nil {
			out = append(out, quota{level: level, key: quotaKey(level, id), limit: limit})
		}
	}

	add(LevelGlobal, "global", l.config.Global)
	add(LevelTenant, req.TenantID, l.config.DefaultTenant)
	add(LevelConnection, req.ConnectionID, l.config.DefaultConnection)
	return out
}

func quotaKey(level Level, id string) string {
	return string(level) + ":" + id
}
