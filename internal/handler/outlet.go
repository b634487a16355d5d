package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/authz"
	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/model"
)

var errInvalidOutletParam = apperror.New(apperror.InvalidInput, "Invalid outlet id")

type outletScopeResponse struct {
	Outlet     *model.Outlet  `json:"outlet,omitempty"`
	AllOutlets bool           `json:"allOutlets"`
	Outlets    []model.Outlet `json:"outlets,omitempty"`
}

// CurrentOutlet handles GET /api/v1/outlets/current. The outlet comes from
// ?outletId=, then X-Outlet-Id, then the caller's default outlet.
func (h *Handler) CurrentOutlet(w http.ResponseWriter, r *http.Request) {
	var requested *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("outletId")); raw != "" {
		id, err := parseOutletID(raw)
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		requested = &id
	}

	scope, err := h.resolver.ResolveOutletScope(r, requested)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	resp := outletScopeResponse{Outlet: scope.Outlet, AllOutlets: scope.AllOutlets()}
	resourceID := "*"
	if scope.AllOutlets() {
		outlets, err := h.outlets.List(r.Context())
		if err != nil {
			h.writeAppError(w, r, err)
			return
		}
		resp.Outlets = outlets
	} else {
		resourceID = strconv.FormatInt(scope.Outlet.ID, 10)
	}

	h.sec.Audit.LogDataAccess(scope.Principal.UserID, "Outlet", resourceID, model.AuditActionOutletRead, middleware.ClientIP(r))
	writeJSON(w, http.StatusOK, resp)
}

// ServiceOutlet handles GET /api/v1/service/outlets/{id}. Must run behind the APIKey middleware.
func (h *Handler) ServiceOutlet(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "API key required")
		return
	}

	id, err := parseOutletID(r.PathValue("id"))
	if err != nil {
		h.sec.Audit.LogAPICall(key.ServiceName, model.AuditActionServiceOutletFetch, r.Method, r.URL.Path, false, middleware.ClientIP(r))
		h.writeAppError(w, r, err)
		return
	}

	outlet, err := h.outlets.GetOutlet(r.Context(), id)
	if err == nil && outlet == nil {
		err = authz.ErrOutletNotFound
	}
	h.sec.Audit.LogAPICall(key.ServiceName, model.AuditActionServiceOutletFetch, r.Method, r.URL.Path, err == nil, middleware.ClientIP(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, outlet)
}

func parseOutletID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidOutletParam
	}
	return id, nil
}
