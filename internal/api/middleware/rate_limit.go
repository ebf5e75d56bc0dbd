package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ayo6706/minority-rounds/internal/api/problem"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/go-chi/httprate"
)

const rateWindow = time.Second

// PublicRateLimiter limits the unauthenticated surface (instances, history,
// the live feed and the deposit webhook) per client IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return newLimiter(rps, "ip", httprate.KeyByIP)
}

// AuthRateLimiter limits authenticated routes per user so that bettors
// sharing a NAT do not starve each other.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return newLimiter(rps, "user", func(r *http.Request) (string, error) {
		if userID := UserIDFromContext(r.Context()); userID != "" {
			return userID, nil
		}
		return httprate.KeyByIP(r)
	})
}

func newLimiter(rps int, scope string, key httprate.KeyFunc) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	retryAfter := strconv.Itoa(int(rateWindow / time.Second))
	return httprate.Limit(rps, rateWindow,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			observability.IncrementHTTPReject("rate_limited")
			w.Header().Set("Retry-After", retryAfter)
			problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"),
				http.StatusText(http.StatusTooManyRequests),
				fmt.Sprintf("rate limit of %d req/s exceeded for this %s", rps, scope))
		}),
	)
}
