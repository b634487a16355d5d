package middleware

import (
	"context"
	"net/http"

	"github.com/cafehub/cafeguard/internal/model"
)

const PrincipalKey contextKey = "principal"

// Authenticate rejects requests without a valid bearer token and stores the
// Principal in the request context
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.resolver.RequireAuthenticated(r)
		if err != nil {
			writeAppError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// RequireRole rejects requests whose principal holds none of roles
func (m *Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := m.resolver.RequireAnyRole(r, roles...)
			if err != nil {
				writeAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from context
func GetPrincipal(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(*model.Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}
