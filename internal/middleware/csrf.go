package middleware

import (
	"net/http"

	"github.com/cafehub/cafeguard/internal/model"
)

// CSRFHeader carries a one-time token obtained from the csrf-token endpoint
const CSRFHeader = "X-CSRF-Token"

// CSRF requires a valid one-time token on state-changing requests. It must
// run after Authenticate or RequireRole; the token is bound to the principal.
func (m *Middleware) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		p, ok := GetPrincipal(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required", 0)
			return
		}

		if !m.sec.CSRF.ValidateAndConsume(r.Header.Get(CSRFHeader), p.UserID) {
			m.sec.Audit.LogSecurityEvent(model.AuditActionCSRFRejected, model.AuditSeverityWarning,
				p.UserID, GetClientID(r), r.Method+" "+r.URL.Path)
			writeError(w, http.StatusForbidden, "Invalid or missing CSRF token", 0)
			return
		}

		next.ServeHTTP(w, r)
	})
}
