package middleware

import (
	"context"
	"net/http"

	"github.com/cafehub/cafeguard/internal/model"
)

// APIKeyHeader carries a service API key
const APIKeyHeader = "X-API-Key"

const APIKeyKey contextKey = "api_key"

// APIKey authenticates service-to-service calls by API key and stores the key in context
func (m *Middleware) APIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "Missing API key", 0)
			return
		}

		valid, record := m.sec.APIKeys.Validate(key)
		if !valid {
			m.sec.Audit.LogSecurityEvent(model.AuditActionInvalidAPIKey, model.AuditSeverityWarning,
				"", GetClientID(r), r.Method+" "+r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Invalid API key", 0)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyKey, record)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAPIKey retrieves the validated API key from context
func GetAPIKey(ctx context.Context) (*model.APIKey, bool) {
	k, ok := ctx.Value(APIKeyKey).(*model.APIKey)
	return k, ok
}
