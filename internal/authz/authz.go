// Package authz resolves the caller's identity, role and outlet scope from a
// request. Checks run in a fixed order: token, then role, then outlet.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/auth"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/model"
)

// OutletHeader carries the requested outlet when no explicit argument is given.
const OutletHeader = "X-Outlet-Id"

var (
	ErrInvalidClaims      = apperror.New(apperror.Unauthenticated, "Invalid token claims")
	ErrForbidden          = apperror.New(apperror.Unauthorized, "Insufficient permissions")
	ErrNoOutlet           = apperror.New(apperror.InvalidInput, "No outlet specified and no default outlet")
	ErrInvalidOutletID    = apperror.New(apperror.InvalidInput, "Invalid X-Outlet-Id header")
	ErrOutletAccessDenied = apperror.New(apperror.Unauthorized, "No access to outlet")
	ErrOutletNotFound     = apperror.New(apperror.NotFound, "Outlet not found")
	ErrOutletInactive     = apperror.New(apperror.Unauthorized, "Outlet is inactive")
)

// TokenValidator verifies a bearer token.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// OutletLookup finds outlets by ID. A missing outlet is reported as (nil, nil).
type OutletLookup interface {
	GetOutlet(ctx context.Context, id int64) (*model.Outlet, error)
}

// Scope is the result of outlet resolution.
type Scope struct {
	Principal *model.Principal
	// Outlet is nil only for an admin who did not name an outlet.
	Outlet *model.Outlet
}

// AllOutlets reports whether the scope spans every outlet.
func (s *Scope) AllOutlets() bool {
	return s.Outlet == nil && s.Principal.IsAdmin()
}

// OutletID returns the scoped outlet ID, or nil for an unscoped admin.
func (s *Scope) OutletID() *int64 {
	if s.Outlet == nil {
		return nil
	}
	id := s.Outlet.ID
	return &id
}

// Resolver is stateless apart from its collaborators and safe for concurrent use.
type Resolver struct {
	tokens  TokenValidator
	outlets OutletLookup
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver.
func NewResolver(tokens TokenValidator, outlets OutletLookup, log *logger.Logger, m *metrics.Metrics) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		tokens:  tokens,
		outlets: outlets,
		log:     log.WithComponent("authz"),
		metrics: m,
	}
}

// RequireAuthenticated returns the Principal for the request's bearer token.
func (r *Resolver) RequireAuthenticated(req *http.Request) (*model.Principal, error) {
	token, ok := auth.ExtractBearer(req.Header.Get("Authorization"))
	if !ok {
		return nil, r.reject(auth.ErrMissingToken, "")
	}

	claims, err := r.tokens.Validate(token)
	if err != nil {
		return nil, r.reject(err, "")
	}

	p, err := claims.Principal()
	if err != nil {
		return nil, r.reject(apperror.Wrap(apperror.Unauthenticated, ErrInvalidClaims.Message, err), claims.UserID())
	}
	return p, nil
}

// RequireRole authenticates the request and requires role.
func (r *Resolver) RequireRole(req *http.Request, role string) (*model.Principal, error) {
	return r.RequireAnyRole(req, role)
}

// RequireAnyRole authenticates the request and requires one of roles.
func (r *Resolver) RequireAnyRole(req *http.Request, roles ...string) (*model.Principal, error) {
	p, err := r.RequireAuthenticated(req)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if p.HasRole(role) {
			return p, nil
		}
	}
	return nil, r.reject(ErrForbidden, p.UserID)
}

// ResolveOutletScope authenticates the request and determines the outlet it
// operates on. The outlet is taken from requested, then the X-Outlet-Id
// header, then (for non-admins) the principal's default outlet.
func (r *Resolver) ResolveOutletScope(req *http.Request, requested *int64) (*Scope, error) {
	p, err := r.RequireAuthenticated(req)
	if err != nil {
		return nil, err
	}

	outletID := requested
	if outletID == nil {
		outletID, err = headerOutletID(req)
		if err != nil {
			return nil, r.reject(err, p.UserID)
		}
	}

	if p.IsAdmin() {
		if outletID == nil {
			return &Scope{Principal: p}, nil
		}
		outlet, err := r.lookup(req.Context(), *outletID, p.UserID)
		if err != nil {
			return nil, err
		}
		return &Scope{Principal: p, Outlet: outlet}, nil
	}

	if outletID == nil {
		outletID = p.DefaultOutletID
	}
	if outletID == nil {
		return nil, r.reject(ErrNoOutlet, p.UserID)
	}
	if !p.CanAccessOutlet(*outletID) {
		return nil, r.reject(ErrOutletAccessDenied, p.UserID)
	}

	outlet, err := r.lookup(req.Context(), *outletID, p.UserID)
	if err != nil {
		return nil, err
	}
	if !outlet.IsActive {
		return nil, r.reject(ErrOutletInactive, p.UserID)
	}

	return &Scope{Principal: p, Outlet: outlet}, nil
}

func (r *Resolver) lookup(ctx context.Context, id int64, userID string) (*model.Outlet, error) {
	outlet, err := r.outlets.GetOutlet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up outlet %d: %w", id, err)
	}
	if outlet == nil {
		return nil, r.reject(ErrOutletNotFound, userID)
	}
	return outlet, nil
}

func (r *Resolver) reject(err error, userID string) error {
	kind := apperror.KindOf(err)
	r.metrics.AuthzRejected(kind.String())
	r.log.Debug().
		Err(err).
		Str("kind", kind.String()).
		Str("user_id", userID).
		Msg("authorization rejected")
	return err
}

func headerOutletID(req *http.Request) (*int64, error) {
	raw := strings.TrimSpace(req.Header.Get(OutletHeader))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, ErrInvalidOutletID
	}
	return &id, nil
}
