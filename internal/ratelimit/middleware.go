package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-pos/internal/common"
)

// Allower decides whether one more event fits in the window for key.
type Allower interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error)
}

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler guards a route group with an Allower. Limiter errors fail open and are handed
// to OnError.
type Handler struct {
	Limiter Allower
	Config  Config
	OnError func(error)
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Config.Key == nil || h.Limiter == nil {
		return next
	}
	limit := strconv.Itoa(max(h.Config.Max, 0))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		out := w.Header()
		out.Set("X-RateLimit-Limit", limit)
		out.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		out.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}
		wait := max(int(math.Ceil(time.Until(resetAt).Seconds())), 0)
		out.Set("Retry-After", strconv.Itoa(wait))
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]int{"retryAfterSeconds": wait})
	})
}

// TerminalKey scopes a limit to the till named in the route and the calling address.
func TerminalKey(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + chi.URLParam(r, "terminal") + ":" + common.ClientIP(r)
	}
}
