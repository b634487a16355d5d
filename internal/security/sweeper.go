package security

import (
	"context"
	"time"

	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/ratelimit"
)

// Sweeper periodically reclaims memory held by expired state. Expiry is
// always evaluated lazily, so the sweep is never needed for correctness.
type Sweeper struct {
	sec      *Context
	interval time.Duration
	log      *logger.Logger
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	RateLimit ratelimit.SweepResult
	CSRF      int
	APIKeys   int
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(sec *Context, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		sec:      sec,
		interval: interval,
		log:      log.WithComponent("sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep over every store.
func (s *Sweeper) SweepOnce() SweepReport {
	report := SweepReport{
		RateLimit: s.sec.Limiter.Sweep(),
		CSRF:      s.sec.CSRF.SweepExpired(),
		APIKeys:   s.sec.APIKeys.SweepExpired(),
	}

	s.log.Debug().
		Int("rate_windows", report.RateLimit.WindowsRemoved).
		Int("rate_blocks", report.RateLimit.BlocksRemoved).
		Int("csrf_tokens", report.CSRF).
		Int("api_keys", report.APIKeys).
		Msg("sweep completed")

	return report
}
