package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/authz"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/security"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	sec      *security.Context
	resolver *authz.Resolver
	cfg      *config.Config
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a new Middleware instance
func New(sec *security.Context, resolver *authz.Resolver, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Middleware {
	return &Middleware{
		sec:      sec,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}
}

// Chain wraps h so that the first middleware listed runs first
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type errorBody struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeError writes the standard rejection payload
func writeError(w http.ResponseWriter, status int, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, RetryAfter: retryAfter})
}

// writeAppError maps err onto the rejection payload; unclassified errors become a generic 500
func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Kind == apperror.Internal {
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred", 0)
		return
	}
	writeError(w, ae.Status(), ae.Message, ae.RetryAfter)
}
