package handler

import (
	"net/http"
	"slices"

	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/service"
)

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	req.IPAddress = middleware.ClientIP(r)
	req.UserAgent = r.UserAgent()

	resp, err := h.authSvc.Login(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type meResponse struct {
	UserID          string  `json:"userId"`
	Role            string  `json:"role"`
	DefaultOutletID *int64  `json:"defaultOutletId,omitempty"`
	AssignedOutlets []int64 `json:"assignedOutlets"`
	IsAdmin         bool    `json:"isAdmin"`
}

// Me handles GET /api/v1/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.RequireAuthenticated(r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	outlets := p.OutletIDs()
	slices.Sort(outlets)

	writeJSON(w, http.StatusOK, meResponse{
		UserID:          p.UserID,
		Role:            p.Role,
		DefaultOutletID: p.DefaultOutletID,
		AssignedOutlets: outlets,
		IsAdmin:         p.IsAdmin(),
	})
}

// CSRFToken handles GET /api/v1/security/csrf-token. Must run behind Authenticate.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	token, err := h.sec.CSRF.Issue(p.UserID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	w.Header().Set(middleware.CSRFHeader, token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int(h.cfg.Security.CSRF.TokenTTL.Seconds()),
	})
}
