package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/authz"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/model"
	"github.com/cafehub/cafeguard/internal/security"
	"github.com/cafehub/cafeguard/internal/service"
)

// HealthChecker is a backing store that can report its health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LoginService signs users in
type LoginService interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.LoginResponse, error)
}

// OutletDirectory resolves and lists outlets
type OutletDirectory interface {
	authz.OutletLookup
	List(ctx context.Context) ([]model.Outlet, error)
	Invalidate(id int64)
}

// Handler holds all HTTP handlers
type Handler struct {
	db       HealthChecker
	rdb      HealthChecker
	sec      *security.Context
	resolver *authz.Resolver
	authSvc  LoginService
	outlets  OutletDirectory
	validate *validator.Validate
	log      *logger.Logger
	cfg      *config.Config
}

// New creates a new Handler instance. rdb may be nil when Redis is not configured.
func New(db, rdb HealthChecker, sec *security.Context, resolver *authz.Resolver, authSvc LoginService, outlets OutletDirectory, log *logger.Logger, cfg *config.Config) *Handler {
	return &Handler{
		db:       db,
		rdb:      rdb,
		sec:      sec,
		resolver: resolver,
		authSvc:  authSvc,
		outlets:  outlets,
		validate: validator.New(),
		log:      log.WithComponent("handler"),
		cfg:      cfg,
	}
}

var errInvalidBody = apperror.New(apperror.InvalidInput, "Invalid request body")

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// writeAppError writes a classified error; anything else is logged and hidden behind a 500
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Kind == apperror.Internal {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred")
		return
	}

	resp := map[string]interface{}{
		"success": false,
		"error":   ae.Message,
	}
	if ae.RetryAfter > 0 {
		resp["retryAfter"] = ae.RetryAfter
	}
	writeJSON(w, ae.Status(), resp)
}

// readJSON decodes the body into v and runs its validate tags
func (h *Handler) readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errInvalidBody
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperror.Wrap(apperror.InvalidInput, errInvalidBody.Message, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return apperror.Wrap(apperror.InvalidInput, "Validation failed", err)
	}
	return nil
}
