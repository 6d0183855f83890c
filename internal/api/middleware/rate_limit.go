package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayo6706/token-ledger/internal/api/problem"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits unauthenticated routes, the payment webhook included, per IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitExceeded("public", fmt.Sprintf("rate limit of %d req/s exceeded for this IP", rps))),
	)
}

// AuthRateLimiter limits authenticated callers by role and subject, so a service
// principal and a user sharing an address do not starve each other.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := UserIDFromContext(r.Context()); userID != "" {
				return UserRoleFromContext(r.Context()) + ":" + userID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(limitExceeded("authenticated", fmt.Sprintf("rate limit of %d req/s exceeded for this caller", rps))),
	)
}

func limitExceeded(scope, detail string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		observability.IncrementHTTPRejection("rate_limit_" + scope)
		problem.WriteRetryable(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"), detail, time.Second)
	}
}
