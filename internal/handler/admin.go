package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/audit"
	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/model"
)

// apiKeyView is an API key as listed to admins; the secret is masked
type apiKeyView struct {
	Key          string            `json:"key"`
	ServiceName  string            `json:"serviceName"`
	Description  string            `json:"description"`
	State        model.APIKeyState `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	LastUsedAt   *time.Time        `json:"lastUsedAt,omitempty"`
	RequestCount int64             `json:"requestCount"`
}

func (h *Handler) keyViews(keys []model.APIKey) []apiKeyView {
	now := h.sec.Clock.Now()
	views := make([]apiKeyView, len(keys))
	for i := range keys {
		k := &keys[i]
		views[i] = apiKeyView{
			Key:          k.Masked(),
			ServiceName:  k.ServiceName,
			Description:  k.Description,
			State:        k.State(now),
			CreatedAt:    k.CreatedAt,
			ExpiresAt:    k.ExpiresAt,
			LastUsedAt:   k.LastUsedAt,
			RequestCount: k.RequestCount,
		}
	}
	return views
}

// adminID returns the authenticated admin; admin routes run behind RequireRole
func adminID(r *http.Request) string {
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		return p.UserID
	}
	return ""
}

// AdminListAPIKeys handles GET /api/v1/admin/api-keys
func (h *Handler) AdminListAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": h.keyViews(h.sec.APIKeys.ListAll()),
	})
}

type issueAPIKeyRequest struct {
	ServiceName string `json:"serviceName" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

// AdminIssueAPIKey handles POST /api/v1/admin/api-keys. The full key is only returned here.
func (h *Handler) AdminIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	var req issueAPIKeyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	key, err := h.sec.APIKeys.Issue(req.ServiceName, req.Description)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.sec.Audit.LogAdminAction(adminID(r), model.AuditActionAPIKeyIssued, "",
		fmt.Sprintf("service=%s key=%s", key.ServiceName, key.Masked()), middleware.ClientIP(r))

	writeJSON(w, http.StatusCreated, key)
}

type apiKeyRequest struct {
	Key string `json:"key" validate:"required"`
}

// AdminRotateAPIKey handles POST /api/v1/admin/api-keys/rotate
func (h *Handler) AdminRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	newKey, oldExpiresAt, err := h.sec.APIKeys.Rotate(req.Key)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	old := model.APIKey{Key: req.Key}
	h.sec.Audit.LogAdminAction(adminID(r), model.AuditActionAPIKeyRotated, "",
		fmt.Sprintf("service=%s old=%s new=%s", newKey.ServiceName, old.Masked(), newKey.Masked()), middleware.ClientIP(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"newKey":          newKey,
		"oldKeyExpiresAt": oldExpiresAt,
	})
}

// AdminRevokeAPIKey handles POST /api/v1/admin/api-keys/revoke
func (h *Handler) AdminRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	if err := h.sec.APIKeys.Revoke(req.Key); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	key := model.APIKey{Key: req.Key}
	h.sec.Audit.LogAdminAction(adminID(r), model.AuditActionAPIKeyRevoked, "", "key="+key.Masked(), middleware.ClientIP(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// AdminRotationDue handles GET /api/v1/admin/api-keys/rotation-due?days=
func (h *Handler) AdminRotationDue(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0, maxRotationDays)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": h.keyViews(h.sec.APIKeys.ListNeedingRotation(days)),
	})
}

// AdminQueryAudit handles GET /api/v1/admin/audit?category=&userId=&start=&end=&max=
func (h *Handler) AdminQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f audit.Filter

	if raw := q.Get("category"); raw != "" {
		c, ok := model.ParseAuditCategory(raw)
		if !ok {
			h.writeAppError(w, r, apperror.New(apperror.InvalidInput, "Unknown audit category"))
			return
		}
		f.Category = &c
	}
	f.UserID = q.Get("userId")

	var err error
	if f.Start, err = timeParam(r, "start"); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if f.End, err = timeParam(r, "end"); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if f.MaxResults, err = intParam(r, "max", audit.DefaultMaxResults, audit.DefaultCapacity); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.sec.Audit.Query(f),
	})
}

// AdminSecurityAlerts handles GET /api/v1/admin/audit/alerts?hours=
func (h *Handler) AdminSecurityAlerts(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24, audit.MaxWindowHours)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hours":  hours,
		"alerts": h.sec.Audit.SecurityAlerts(hours),
	})
}

// AdminFailedLogins handles GET /api/v1/admin/audit/failed-logins/{userId}?hours=
func (h *Handler) AdminFailedLogins(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	hours, err := intParam(r, "hours", 1, audit.MaxWindowHours)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"hours":  hours,
		"count":  h.sec.Audit.FailedLoginCount(userID, hours),
	})
}

// AdminExportAudit handles GET /api/v1/admin/audit/export?format=&start=&end=.
// The range defaults to the last 24 hours.
func (h *Handler) AdminExportAudit(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.FormatJSON
	}

	end := h.sec.Clock.Now()
	if t, err := timeParam(r, "end"); err != nil {
		h.writeAppError(w, r, err)
		return
	} else if t != nil {
		end = *t
	}
	start := end.Add(-24 * time.Hour)
	if t, err := timeParam(r, "start"); err != nil {
		h.writeAppError(w, r, err)
		return
	} else if t != nil {
		start = *t
	}

	out, err := h.sec.Audit.Export(start, end, format)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.sec.Audit.LogAdminAction(adminID(r), model.AuditActionAuditExported, "",
		fmt.Sprintf("format=%s start=%s end=%s", format, start.Format(time.RFC3339), end.Format(time.RFC3339)), middleware.ClientIP(r))

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit-%s.%s\"", end.UTC().Format("20060102-150405"), format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

// AdminSecurityStats handles GET /api/v1/admin/security/stats
func (h *Handler) AdminSecurityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sec.Stats())
}

// AdminInvalidateOutlet handles POST /api/v1/admin/outlets/{id}/invalidate.
// The next scope check for the outlet reads it from the database again.
func (h *Handler) AdminInvalidateOutlet(w http.ResponseWriter, r *http.Request) {
	id, err := parseOutletID(r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.outlets.Invalidate(id)
	h.sec.Audit.LogAdminAction(adminID(r), model.AuditActionOutletInvalidated, "",
		"outlet="+strconv.FormatInt(id, 10), middleware.ClientIP(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"outletId": id,
	})
}

// maxRotationDays bounds the rotation-due look-ahead.
const maxRotationDays = 3650

// intParam parses a query parameter in [0, limit], returning def when absent.
func intParam(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > limit {
		return 0, apperror.New(apperror.InvalidInput, "Invalid "+name+" parameter")
	}
	return v, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperror.New(apperror.InvalidInput, "Invalid "+name+" parameter, expected RFC 3339")
	}
	return &t, nil
}
