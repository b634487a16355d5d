package router

import (
	"net/http"

	"github.com/cafehub/cafeguard/internal/handler"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/model"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, m *metrics.Metrics, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// Operational endpoints
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"cafeguard API v1","version":"0.1.0"}`))
	})

	// Public
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)

	// Authenticated
	mux.HandleFunc("GET /api/v1/me", h.Me)
	mux.HandleFunc("GET /api/v1/outlets/current", h.CurrentOutlet)
	mux.Handle("GET /api/v1/security/csrf-token", mw.Authenticate(http.HandlerFunc(h.CSRFToken)))

	// Service-to-service
	mux.Handle("GET /api/v1/service/outlets/{id}", mw.APIKey(http.HandlerFunc(h.ServiceOutlet)))

	// Admin; state-changing routes also need a one-time CSRF token
	admin := func(fn http.HandlerFunc) http.Handler {
		return middleware.Chain(fn, mw.RequireRole(model.RoleAdmin), mw.CSRF)
	}
	mux.Handle("GET /api/v1/admin/api-keys", admin(h.AdminListAPIKeys))
	mux.Handle("POST /api/v1/admin/api-keys", admin(h.AdminIssueAPIKey))
	mux.Handle("POST /api/v1/admin/api-keys/rotate", admin(h.AdminRotateAPIKey))
	mux.Handle("POST /api/v1/admin/api-keys/revoke", admin(h.AdminRevokeAPIKey))
	mux.Handle("GET /api/v1/admin/api-keys/rotation-due", admin(h.AdminRotationDue))
	mux.Handle("GET /api/v1/admin/audit", admin(h.AdminQueryAudit))
	mux.Handle("GET /api/v1/admin/audit/alerts", admin(h.AdminSecurityAlerts))
	mux.Handle("GET /api/v1/admin/audit/failed-logins/{userId}", admin(h.AdminFailedLogins))
	mux.Handle("GET /api/v1/admin/audit/export", admin(h.AdminExportAudit))
	mux.Handle("GET /api/v1/admin/security/stats", admin(h.AdminSecurityStats))
	mux.Handle("POST /api/v1/admin/outlets/{id}/invalidate", admin(h.AdminInvalidateOutlet))

	// Apply middleware stack; Recover is outermost, RateLimit sits directly on the mux
	return middleware.Chain(mux,
		mw.Recover,
		mw.RequestID,
		mw.Logger,
		mw.SecurityHeaders,
		mw.CORS(allowedOrigins),
		mw.RateLimit,
	)
}
