package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafehub/cafeguard/internal/audit"
	"github.com/cafehub/cafeguard/internal/auth"
	"github.com/cafehub/cafeguard/internal/authz"
	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/model"
	"github.com/cafehub/cafeguard/internal/security"
	"github.com/cafehub/cafeguard/internal/service"
)

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakeLogin struct {
	resp *service.LoginResponse
	err  error
	got  service.LoginRequest
}

func (f *fakeLogin) Login(_ context.Context, req service.LoginRequest) (*service.LoginResponse, error) {
	f.got = req
	return f.resp, f.err
}

type fakeOutlets struct {
	byID        map[int64]model.Outlet
	invalidated []int64
}

func (f *fakeOutlets) GetOutlet(_ context.Context, id int64) (*model.Outlet, error) {
	o, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (f *fakeOutlets) List(context.Context) ([]model.Outlet, error) {
	out := make([]model.Outlet, 0, len(f.byID))
	for _, o := range f.byID {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeOutlets) Invalidate(id int64) {
	f.invalidated = append(f.invalidated, id)
}

type fixture struct {
	h       *Handler
	mw      *middleware.Middleware
	sec     *security.Context
	tokens  *auth.TokenService
	login   *fakeLogin
	outlets *fakeOutlets
	clock   *clock.Manual
}

func newFixture(t *testing.T, db, rdb HealthChecker) *fixture {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewManual(time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC))
	sec := security.New(cfg.Security, clk, logger.Nop(), nil)
	tokens := auth.NewTokenService(cfg.Security.Tokens, clk)
	outlets := &fakeOutlets{byID: map[int64]model.Outlet{
		4: {ID: 4, OutletName: "Harbour St", IsActive: true},
		5: {ID: 5, OutletName: "Mill Lane", IsActive: true},
		6: {ID: 6, OutletName: "Closed Kiosk", IsActive: false},
	}}
	resolver := authz.NewResolver(tokens, outlets, logger.Nop(), nil)
	login := &fakeLogin{}

	if db == nil {
		db = fakeHealth{}
	}
	return &fixture{
		h:       New(db, rdb, sec, resolver, login, outlets, logger.Nop(), cfg),
		mw:      middleware.New(sec, resolver, cfg, logger.Nop(), nil),
		sec:     sec,
		tokens:  tokens,
		login:   login,
		outlets: outlets,
		clock:   clk,
	}
}

func auditFilter(c model.AuditCategory) audit.Filter {
	return audit.Filter{Category: &c}
}

func (f *fixture) bearer(t *testing.T, user *model.User) string {
	t.Helper()
	token, _, err := f.tokens.Issue(user)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *fixture) staff(t *testing.T) string {
	def := int64(4)
	return f.bearer(t, &model.User{ID: "staff-1", Role: model.RoleStaff, DefaultOutletID: &def, AssignedOutlets: []int64{4, 6}})
}

func (f *fixture) admin(t *testing.T) string {
	return f.bearer(t, &model.User{ID: "admin-1", Role: model.RoleAdmin})
}

func serve(h http.Handler, method, target, authorization, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	down := errors.New("down")
	tests := []struct {
		name      string
		db, rdb   HealthChecker
		wantCode  int
		wantRedis string
	}{
		{name: "redis disabled", wantCode: http.StatusOK, wantRedis: "disabled"},
		{name: "all healthy", rdb: fakeHealth{}, wantCode: http.StatusOK, wantRedis: "healthy"},
		{name: "postgres down", db: fakeHealth{err: down}, wantCode: http.StatusServiceUnavailable, wantRedis: "disabled"},
		{name: "redis down", rdb: fakeHealth{err: down}, wantCode: http.StatusServiceUnavailable, wantRedis: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.db, tt.rdb)
			rec := serve(http.HandlerFunc(f.h.Health), http.MethodGet, "/health", "", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantRedis, resp.Services["redis"])
		})
	}
}

func TestReady(t *testing.T) {
	f := newFixture(t, fakeHealth{err: errors.New("down")}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, serve(http.HandlerFunc(f.h.Ready), http.MethodGet, "/ready", "", "").Code)

	f = newFixture(t, nil, fakeHealth{err: errors.New("down")})
	assert.Equal(t, http.StatusOK, serve(http.HandlerFunc(f.h.Ready), http.MethodGet, "/ready", "", "").Code)
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		svcErr    error
		wantCode  int
		wantError string
	}{
		{name: "malformed body", body: "{", wantCode: http.StatusBadRequest, wantError: "Invalid request body"},
		{name: "unknown field", body: `{"email":"a@example.com","password":"x","remember":true}`, wantCode: http.StatusBadRequest},
		{name: "missing password", body: `{"email":"a@example.com"}`, wantCode: http.StatusBadRequest, wantError: "Validation failed"},
		{name: "bad credentials", body: `{"email":"a@example.com","password":"x"}`, svcErr: service.ErrInvalidCredentials, wantCode: http.StatusUnauthorized, wantError: "Invalid email or password"},
		{name: "store failure", body: `{"email":"a@example.com","password":"x"}`, svcErr: errors.New("db down"), wantCode: http.StatusInternalServerError, wantError: "An unexpected error occurred"},
		{name: "ok", body: `{"email":"a@example.com","password":"x"}`, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.login.err = tt.svcErr
			if tt.svcErr == nil {
				f.login.resp = &service.LoginResponse{AccessToken: "tok", TokenType: "Bearer"}
			}

			r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(tt.body))
			r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
			r.Header.Set("User-Agent", "till/1.0")
			rec := httptest.NewRecorder()
			f.h.Login(rec, r)

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			if tt.wantError != "" {
				assert.Equal(t, false, body["success"])
				assert.Equal(t, tt.wantError, body["error"])
			}
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "tok", body["accessToken"])
				assert.Equal(t, "1.2.3.4", f.login.got.IPAddress)
				assert.Equal(t, "till/1.0", f.login.got.UserAgent)
			}
		})
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t, nil, nil)
	me := http.HandlerFunc(f.h.Me)

	assert.Equal(t, http.StatusUnauthorized, serve(me, http.MethodGet, "/api/v1/me", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(me, http.MethodGet, "/api/v1/me", "Bearer junk", "").Code)

	rec := serve(me, http.MethodGet, "/api/v1/me", f.staff(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "staff-1", body["userId"])
	assert.Equal(t, []interface{}{float64(4), float64(6)}, body["assignedOutlets"])
	assert.Equal(t, false, body["isAdmin"])
}

func TestCSRFToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	h := f.mw.Authenticate(http.HandlerFunc(f.h.CSRFToken))

	rec := serve(h, http.MethodGet, "/api/v1/security/csrf-token", f.staff(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	token, _ := body["token"].(string)
	assert.Equal(t, token, rec.Header().Get(middleware.CSRFHeader))
	assert.EqualValues(t, 3600, body["expiresIn"])

	assert.True(t, f.sec.CSRF.Validate(token, "staff-1"))
	assert.False(t, f.sec.CSRF.Validate(token, "admin-1"))
}

func TestCurrentOutlet(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		header     string
		admin      bool
		wantCode   int
		wantOutlet float64
		wantAll    bool
	}{
		{name: "default outlet", target: "/api/v1/outlets/current", wantCode: http.StatusOK, wantOutlet: 4},
		{name: "malformed query", target: "/api/v1/outlets/current?outletId=abc", wantCode: http.StatusBadRequest},
		{name: "unassigned outlet", target: "/api/v1/outlets/current?outletId=5", wantCode: http.StatusForbidden},
		{name: "inactive outlet", target: "/api/v1/outlets/current", header: "6", wantCode: http.StatusForbidden},
		{name: "malformed header", target: "/api/v1/outlets/current", header: "six", wantCode: http.StatusBadRequest},
		{name: "query wins over header", target: "/api/v1/outlets/current?outletId=4", header: "6", wantCode: http.StatusOK, wantOutlet: 4},
		{name: "admin unscoped", target: "/api/v1/outlets/current", admin: true, wantCode: http.StatusOK, wantAll: true},
		{name: "admin inactive outlet", target: "/api/v1/outlets/current?outletId=6", admin: true, wantCode: http.StatusOK, wantOutlet: 6},
		{name: "admin missing outlet", target: "/api/v1/outlets/current?outletId=99", admin: true, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			bearer := f.staff(t)
			if tt.admin {
				bearer = f.admin(t)
			}

			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			r.Header.Set("Authorization", bearer)
			if tt.header != "" {
				r.Header.Set(authz.OutletHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			f.h.CurrentOutlet(rec, r)

			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			body := decode(t, rec)
			assert.Equal(t, tt.wantAll, body["allOutlets"])
			if tt.wantAll {
				assert.Len(t, body["outlets"], 3)
			} else {
				outlet := body["outlet"].(map[string]interface{})
				assert.Equal(t, tt.wantOutlet, outlet["id"])
			}

			assert.Len(t, f.sec.Audit.Query(auditFilter(model.AuditCategoryDataAccess)), 1)
		})
	}
}

func TestServiceOutlet(t *testing.T) {
	f := newFixture(t, nil, nil)
	key, err := f.sec.APIKeys.Issue("pos-sync", "till sync")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/service/outlets/{id}", f.mw.APIKey(http.HandlerFunc(f.h.ServiceOutlet)))

	tests := []struct {
		name     string
		target   string
		key      string
		wantCode int
	}{
		{name: "no key", target: "/api/v1/service/outlets/4", wantCode: http.StatusUnauthorized},
		{name: "found", target: "/api/v1/service/outlets/4", key: key.Key, wantCode: http.StatusOK},
		{name: "missing outlet", target: "/api/v1/service/outlets/99", key: key.Key, wantCode: http.StatusNotFound},
		{name: "malformed id", target: "/api/v1/service/outlets/x", key: key.Key, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.key != "" {
				r.Header.Set(middleware.APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, r)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	entries := f.sec.Audit.Query(auditFilter(model.AuditCategoryAPIUsage))
	require.Len(t, entries, 3)
	assert.False(t, entries[0].Success)
	assert.True(t, entries[2].Success)
	assert.Equal(t, "pos-sync", model.Deref(entries[2].UserID))
}

func TestAdminAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	asAdmin := func(fn http.HandlerFunc) http.Handler {
		return f.mw.RequireRole(model.RoleAdmin)(fn)
	}
	admin := f.admin(t)

	rec := serve(asAdmin(f.h.AdminIssueAPIKey), http.MethodPost, "/api/v1/admin/api-keys", admin, `{"description":"no service"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(asAdmin(f.h.AdminIssueAPIKey), http.MethodPost, "/api/v1/admin/api-keys", admin, `{"serviceName":"pos-sync"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decode(t, rec)["key"].(string)
	assert.True(t, strings.HasPrefix(issued, "cafe_"))

	rec = serve(asAdmin(f.h.AdminListAPIKeys), http.MethodGet, "/api/v1/admin/api-keys", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	keys := decode(t, rec)["keys"].([]interface{})
	require.Len(t, keys, 1)
	listed := keys[0].(map[string]interface{})
	assert.Equal(t, issued[:9]+"...", listed["key"])
	assert.Equal(t, "active", listed["state"])

	rec = serve(asAdmin(f.h.AdminRotateAPIKey), http.MethodPost, "/api/v1/admin/api-keys/rotate", admin, `{"key":"`+issued+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode(t, rec)["newKey"].(map[string]interface{})["key"].(string)
	assert.NotEqual(t, issued, rotated)

	rec = serve(asAdmin(f.h.AdminRotateAPIKey), http.MethodPost, "/api/v1/admin/api-keys/rotate", admin, `{"key":"`+issued+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "a deprecated key cannot be rotated again")

	rec = serve(asAdmin(f.h.AdminRevokeAPIKey), http.MethodPost, "/api/v1/admin/api-keys/revoke", admin, `{"key":"`+rotated+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	valid, _ := f.sec.APIKeys.Validate(rotated)
	assert.False(t, valid)

	rec = serve(asAdmin(f.h.AdminRevokeAPIKey), http.MethodPost, "/api/v1/admin/api-keys/revoke", admin, `{"key":"cafe_unknown"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	entries := f.sec.Audit.Query(auditFilter(model.AuditCategoryAdministration))
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "admin-1", model.Deref(e.UserID))
		assert.NotContains(t, model.Deref(e.Details), rotated, "audit details never carry a full key")
	}

	rec = serve(asAdmin(f.h.AdminIssueAPIKey), http.MethodPost, "/api/v1/admin/api-keys", f.staff(t), `{"serviceName":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminInvalidateOutlet(t *testing.T) {
	f := newFixture(t, nil, nil)
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/admin/outlets/{id}/invalidate", f.mw.RequireRole(model.RoleAdmin)(http.HandlerFunc(f.h.AdminInvalidateOutlet)))

	rec := serve(mux, http.MethodPost, "/api/v1/admin/outlets/5/invalidate", f.admin(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decode(t, rec)["outletId"])
	assert.Equal(t, []int64{5}, f.outlets.invalidated)

	rec = serve(mux, http.MethodPost, "/api/v1/admin/outlets/x/invalidate", f.admin(t), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPost, "/api/v1/admin/outlets/5/invalidate", f.staff(t), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, f.outlets.invalidated, 1)

	entries := f.sec.Audit.Query(auditFilter(model.AuditCategoryAdministration))
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditActionOutletInvalidated, entries[0].Action)
}

func TestAdminLookBackBounds(t *testing.T) {
	f := newFixture(t, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/admin/audit/alerts", f.h.AdminSecurityAlerts)
	mux.HandleFunc("GET /api/v1/admin/audit/failed-logins/{userId}", f.h.AdminFailedLogins)
	mux.HandleFunc("GET /api/v1/admin/api-keys/rotation-due", f.h.AdminRotationDue)

	tests := []struct {
		target   string
		wantCode int
	}{
		{"/api/v1/admin/audit/alerts?hours=8784", http.StatusOK},
		{"/api/v1/admin/audit/alerts?hours=3000000", http.StatusBadRequest},
		{"/api/v1/admin/audit/failed-logins/u1?hours=99999999999", http.StatusBadRequest},
		{"/api/v1/admin/api-keys/rotation-due?days=100000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(mux, http.MethodGet, tt.target, f.admin(t), "")
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestAdminRotationDue(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.sec.APIKeys.Issue("pos-sync", "")
	require.NoError(t, err)
	h := http.HandlerFunc(f.h.AdminRotationDue)

	rec := serve(h, http.MethodGet, "/api/v1/admin/api-keys/rotation-due", "", "")
	assert.Empty(t, decode(t, rec)["keys"])

	f.clock.Advance(85 * 24 * time.Hour)
	rec = serve(h, http.MethodGet, "/api/v1/admin/api-keys/rotation-due?days=7", "", "")
	assert.Len(t, decode(t, rec)["keys"], 1)

	rec = serve(h, http.MethodGet, "/api/v1/admin/api-keys/rotation-due?days=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAudit(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sec.Audit.LogAuthentication(model.AuditActionLoginFailed, "u-1", false, "1.2.3.4", "", "invalid_password")
	f.sec.Audit.LogAuthentication(model.AuditActionLoginFailed, "u-1", false, "1.2.3.4", "", "invalid_password")
	f.sec.Audit.LogDataAccess("u-2", "Outlet", "4", model.AuditActionOutletRead, "5.6.7.8")

	t.Run("query", func(t *testing.T) {
		rec := serve(http.HandlerFunc(f.h.AdminQueryAudit), http.MethodGet, "/api/v1/admin/audit?category=dataaccess", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec)["entries"], 1)

		rec = serve(http.HandlerFunc(f.h.AdminQueryAudit), http.MethodGet, "/api/v1/admin/audit?category=bogus", "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = serve(http.HandlerFunc(f.h.AdminQueryAudit), http.MethodGet, "/api/v1/admin/audit?start=yesterday", "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("alerts", func(t *testing.T) {
		rec := serve(http.HandlerFunc(f.h.AdminSecurityAlerts), http.MethodGet, "/api/v1/admin/audit/alerts?hours=24", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode(t, rec)["alerts"], 2)
	})

	t.Run("failed logins", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/v1/admin/audit/failed-logins/{userId}", f.h.AdminFailedLogins)
		rec := serve(mux, http.MethodGet, "/api/v1/admin/audit/failed-logins/u-1?hours=1", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, decode(t, rec)["count"])
	})

	t.Run("export csv", func(t *testing.T) {
		rec := serve(http.HandlerFunc(f.h.AdminExportAudit), http.MethodGet, "/api/v1/admin/audit/export?format=csv", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		assert.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "Timestamp,Category,Action"))
	})

	t.Run("export unsupported format", func(t *testing.T) {
		rec := serve(http.HandlerFunc(f.h.AdminExportAudit), http.MethodGet, "/api/v1/admin/audit/export?format=xml", "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := serve(http.HandlerFunc(f.h.AdminSecurityStats), http.MethodGet, "/api/v1/admin/security/stats", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.EqualValues(t, 10000, body["auditCapacity"])
		// three seeded entries plus the csv export
		assert.EqualValues(t, 4, body["auditEntries"])
	})
}
