package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
)

// RateLimit creates sliding-window rate limiting keyed by client IP and
// endpoint. A nil counter keeps the counts in process memory.
func RateLimit(requestLimit int, windowLength time.Duration, counter httprate.LimitCounter) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(windowLength.Seconds()))
	opts := []httprate.Option{
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitedTotal.WithLabelValues(routePattern(r)).Inc()
			w.Header().Set("Retry-After", retryAfter)
			writeErrorStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		}),
	}
	if counter != nil {
		opts = append(opts, httprate.WithLimitCounter(counter))
	}
	return httprate.Limit(requestLimit, windowLength, opts...)
}

// UserRateLimit creates per-user rate limiting for authenticated routes.
func UserRateLimit(requestLimit int, windowLength time.Duration, counter httprate.LimitCounter) func(http.Handler) http.Handler {
	opts := []httprate.Option{
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := GetUserID(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitedTotal.WithLabelValues(routePattern(r)).Inc()
			writeErrorStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		}),
	}
	if counter != nil {
		opts = append(opts, httprate.WithLimitCounter(counter))
	}
	return httprate.Limit(requestLimit, windowLength, opts...)
}

// routePattern returns the matched chi pattern, or the raw path outside chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
