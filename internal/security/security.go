// Package security assembles the in-memory security stores into one
// process-wide context that is injected into the request pipeline.
package security

import (
	"github.com/cafehub/cafeguard/internal/apikey"
	"github.com/cafehub/cafeguard/internal/audit"
	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/csrf"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/ratelimit"
)

// Context owns every security store. Create one per process.
type Context struct {
	Clock   clock.Clock
	Limiter *ratelimit.Limiter
	CSRF    *csrf.Manager
	APIKeys *apikey.Manager
	Audit   *audit.Logger
}

// New builds the stores from configuration. Extra audit sinks receive a copy of every entry.
func New(cfg config.SecurityConfig, clk clock.Clock, log *logger.Logger, m *metrics.Metrics, sinks ...audit.Sink) *Context {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Nop()
	}

	auditOpts := []audit.Option{audit.WithMetrics(m)}
	for _, s := range sinks {
		auditOpts = append(auditOpts, audit.WithSink(s))
	}

	return &Context{
		Clock: clk,
		Limiter: ratelimit.New(ratelimit.Config{
			PerMinute:     cfg.RateLimiting.PerMinute,
			PerHour:       cfg.RateLimiting.PerHour,
			AuthPerHour:   cfg.RateLimiting.AuthPerHour,
			BlockDuration: cfg.RateLimiting.BlockDuration,
			AuthPatterns:  cfg.RateLimiting.AuthPatterns,
		}, clk, log, m),
		CSRF: csrf.New(csrf.Config{
			TokenTTL:         cfg.CSRF.TokenTTL,
			MaxTokensPerUser: cfg.CSRF.MaxTokensPerUser,
		}, clk, log, m),
		APIKeys: apikey.New(apikey.Config{
			Lifetime:         cfg.APIKeys.Lifetime,
			GracePeriod:      cfg.APIKeys.GracePeriod,
			RotationWarnDays: cfg.APIKeys.RotationWarnDays,
		}, clk, log, m),
		Audit: audit.New(cfg.Audit.Capacity, clk, log, auditOpts...),
	}
}

// Stats is a snapshot of store sizes for the admin stats endpoint.
type Stats struct {
	RateLimit     ratelimit.Stats `json:"rateLimit"`
	CSRFTokens    int             `json:"csrfTokens"`
	APIKeys       int             `json:"apiKeys"`
	AuditEntries  int             `json:"auditEntries"`
	AuditCapacity int             `json:"auditCapacity"`
	AlertsLast24h int             `json:"securityAlertsLast24h"`
}

// Stats collects the current store sizes.
func (c *Context) Stats() Stats {
	return Stats{
		RateLimit:     c.Limiter.Stats(),
		CSRFTokens:    c.CSRF.Len(),
		APIKeys:       c.APIKeys.Len(),
		AuditEntries:  c.Audit.Len(),
		AuditCapacity: c.Audit.Capacity(),
		AlertsLast24h: len(c.Audit.SecurityAlerts(24)),
	}
}

// Close flushes queued audit entries to the sinks.
func (c *Context) Close() {
	c.Audit.Close()
}
