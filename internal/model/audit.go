package model

import (
	"strings"
	"time"
)

// AuditCategory groups audit entries for filtering and alerting
type AuditCategory string

const (
	AuditCategoryAuthentication   AuditCategory = "Authentication"
	AuditCategoryAuthorization    AuditCategory = "Authorization"
	AuditCategoryDataAccess       AuditCategory = "DataAccess"
	AuditCategoryDataModification AuditCategory = "DataModification"
	AuditCategorySecurity         AuditCategory = "Security"
	AuditCategoryAdministration   AuditCategory = "Administration"
	AuditCategoryAPIUsage         AuditCategory = "ApiUsage"
	AuditCategoryFileOperation    AuditCategory = "FileOperation"
	AuditCategoryConfiguration    AuditCategory = "Configuration"
)

// AuditCategories lists every known category
var AuditCategories = []AuditCategory{
	AuditCategoryAuthentication,
	AuditCategoryAuthorization,
	AuditCategoryDataAccess,
	AuditCategoryDataModification,
	AuditCategorySecurity,
	AuditCategoryAdministration,
	AuditCategoryAPIUsage,
	AuditCategoryFileOperation,
	AuditCategoryConfiguration,
}

// ParseAuditCategory matches s case-insensitively against the known categories
func ParseAuditCategory(s string) (AuditCategory, bool) {
	for _, c := range AuditCategories {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return "", false
}

// AuditSeverity ranks an audit entry
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "Info"
	AuditSeverityWarning  AuditSeverity = "Warning"
	AuditSeverityError    AuditSeverity = "Error"
	AuditSeverityCritical AuditSeverity = "Critical"
)

// AuditLogEntry represents an audit log entry. Entries are immutable once written.
type AuditLogEntry struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Category     AuditCategory `json:"category"`
	Action       string        `json:"action"`
	UserID       *string       `json:"userId,omitempty"`
	TargetUserID *string       `json:"targetUserId,omitempty"`
	ResourceType *string       `json:"resourceType,omitempty"`
	ResourceID   *string       `json:"resourceId,omitempty"`
	Success      bool          `json:"success"`
	IPAddress    *string       `json:"ipAddress,omitempty"`
	UserAgent    *string       `json:"userAgent,omitempty"`
	Reason       *string       `json:"reason,omitempty"`
	Details      *string       `json:"details,omitempty"`
	OldValue     *string       `json:"oldValue,omitempty"`
	NewValue     *string       `json:"newValue,omitempty"`
	Severity     AuditSeverity `json:"severity"`
}

// IsSecurityAlert reports whether the entry is a security event or a failed authentication
func (e *AuditLogEntry) IsSecurityAlert() bool {
	if e.Category == AuditCategorySecurity {
		return true
	}
	return e.Category == AuditCategoryAuthentication && !e.Success
}

// Audit action constants
const (
	AuditActionLogin              = "user.login"
	AuditActionLoginFailed        = "user.login_failed"
	AuditActionRateLimited        = "security.rate_limited"
	AuditActionAccessDenied       = "security.access_denied"
	AuditActionCSRFRejected       = "security.csrf_rejected"
	AuditActionInvalidAPIKey      = "security.invalid_api_key"
	AuditActionAPIKeyIssued       = "apikey.issued"
	AuditActionAPIKeyRotated      = "apikey.rotated"
	AuditActionAPIKeyRevoked      = "apikey.revoked"
	AuditActionAuditExported      = "audit.exported"
	AuditActionOutletRead         = "outlet.read"
	AuditActionOutletInvalidated  = "outlet.cache_invalidated"
	AuditActionServiceOutletFetch = "service.outlet_fetch"
)

// StringPtr returns nil for the empty string, otherwise a pointer to s
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
