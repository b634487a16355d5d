package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cafehub/cafeguard/internal/model"
	"github.com/cafehub/cafeguard/internal/ratelimit"
)

// RateLimit admits or rejects each request through the sliding-window limiter.
// Admitted requests are recorded and carry X-RateLimit-* headers; rejected
// requests get a 429 with Retry-After.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := ClientID(r)
		r = r.WithContext(withClientID(r.Context(), clientID))

		if !m.cfg.Security.RateLimiting.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := strings.ToLower(r.URL.Path)
		limiter := m.sec.Limiter

		decision := limiter.Check(clientID, endpoint)
		if !decision.Allowed {
			// Only the request that triggers a block is audited; requests
			// rejected while blocked would flood the store.
			if decision.Reason != ratelimit.ReasonBlocked {
				m.sec.Audit.LogSecurityEvent(model.AuditActionRateLimited, model.AuditSeverityWarning,
					"", ClientIP(r), string(decision.Reason)+" "+r.Method+" "+endpoint+" client="+clientID)
			}
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, decision.Message, decision.RetryAfter)
			return
		}

		limiter.Record(clientID, endpoint)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		next.ServeHTTP(w, r)
	})
}
