// Package ratelimit implements a per-(client, endpoint) sliding-window rate
// limiter with escalation to a timed, client-wide block.
//
// Admission is two separate steps: Check decides, Record appends the
// timestamp. Two requests checked back-to-back may both be admitted at the
// threshold boundary; the limiter is approximate, not a hard quota.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonBlocked Reason = "blocked"
	ReasonMinute  Reason = "per_minute"
	ReasonHour    Reason = "per_hour"
	ReasonAuth    Reason = "auth"
)

const (
	minute = time.Minute
	hour   = time.Hour
)

// Config holds the limiter thresholds.
type Config struct {
	PerMinute     int
	PerHour       int
	AuthPerHour   int
	BlockDuration time.Duration
	AuthPatterns  []string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PerMinute:     600,
		PerHour:       10000,
		AuthPerHour:   10,
		BlockDuration: 5 * time.Minute,
		AuthPatterns:  []string{"login", "register"},
	}
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Message    string
	RetryAfter int // seconds
	Limit      int
	Remaining  int
	Reset      time.Time
}

// window is the sliding window for one (client, endpoint) key.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	dead       bool // removed from the map by Sweep
}

// prune drops timestamps older than the trailing hour. Caller holds w.mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-hour)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(w.timestamps) {
		w.timestamps = w.timestamps[:0]
		return
	}
	w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
}

// counts returns the number of timestamps within the last minute and hour. Caller holds w.mu.
func (w *window) counts(now time.Time) (perMinute, perHour int) {
	cutoff := now.Add(-minute)
	perHour = len(w.timestamps)
	for i := len(w.timestamps) - 1; i >= 0; i-- {
		if !w.timestamps[i].After(cutoff) {
			break
		}
		perMinute++
	}
	return perMinute, perHour
}

// Limiter is safe for concurrent use. The window map and the block map are
// independently synchronised; each window carries its own mutex so that
// different keys never contend on timestamp mutation.
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	windows map[string]*window

	blockMu sync.Mutex
	blocks  map[string]time.Time // clientID -> blockedUntil
}

// New creates a Limiter.
func New(cfg Config, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		log:     log.WithComponent("ratelimit"),
		metrics: m,
		windows: make(map[string]*window),
		blocks:  make(map[string]time.Time),
	}
}

func windowKey(clientID, endpoint string) string {
	return clientID + "|" + strings.ToLower(endpoint)
}

// getWindow returns the live window for key, creating it if needed.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// IsAuthEndpoint reports whether endpoint matches one of the authentication patterns.
func (l *Limiter) IsAuthEndpoint(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	for _, p := range l.cfg.AuthPatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Check decides whether a request from clientID to endpoint may proceed.
// It never records the request; call Record after admission.
func (l *Limiter) Check(clientID, endpoint string) Decision {
	now := l.clock.Now()
	key := windowKey(clientID, endpoint)

	// Prune first so the window never holds more than an hour of history.
	w := l.getWindow(key)
	w.mu.Lock()
	w.prune(now)
	perMinute, perHour := w.counts(now)
	w.mu.Unlock()

	if until, blocked := l.activeBlock(clientID, now); blocked {
		return l.reject(clientID, endpoint, ReasonBlocked,
			"Too many requests. You have been temporarily blocked.",
			secondsUntil(now, until))
	}

	switch {
	case perMinute >= l.cfg.PerMinute:
		l.block(clientID, now)
		return l.reject(clientID, endpoint, ReasonMinute,
			"Rate limit exceeded: too many requests per minute.",
			int(minute/time.Second))
	case perHour >= l.cfg.PerHour:
		l.block(clientID, now)
		return l.reject(clientID, endpoint, ReasonHour,
			"Rate limit exceeded: too many requests per hour.",
			int(hour/time.Second))
	case l.IsAuthEndpoint(endpoint) && perHour >= l.cfg.AuthPerHour:
		l.block(clientID, now)
		return l.reject(clientID, endpoint, ReasonAuth,
			authMessage(endpoint),
			int(hour/time.Second))
	}

	remaining := l.cfg.PerMinute - perMinute - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.PerMinute,
		Remaining: remaining,
		Reset:     now.Add(minute),
	}
}

// Record appends the current time to the (clientID, endpoint) window.
func (l *Limiter) Record(clientID, endpoint string) {
	key := windowKey(clientID, endpoint)
	for {
		w := l.getWindow(key)
		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; retry on a fresh window.
			w.mu.Unlock()
			continue
		}
		now := l.clock.Now()
		w.prune(now)
		w.timestamps = append(w.timestamps, now)
		w.mu.Unlock()
		return
	}
}

// activeBlock reports an unexpired block for clientID, deleting an expired one.
func (l *Limiter) activeBlock(clientID string, now time.Time) (time.Time, bool) {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()

	until, ok := l.blocks[clientID]
	if !ok {
		return time.Time{}, false
	}
	if until.After(now) {
		return until, true
	}
	delete(l.blocks, clientID)
	l.log.Debug().Str("client_id", clientID).Msg("block expired")
	return time.Time{}, false
}

// block creates or extends the client's block to now + BlockDuration.
func (l *Limiter) block(clientID string, now time.Time) {
	until := now.Add(l.cfg.BlockDuration)

	l.blockMu.Lock()
	if current, ok := l.blocks[clientID]; !ok || until.After(current) {
		l.blocks[clientID] = until
	}
	l.blockMu.Unlock()

	l.log.Warn().
		Str("client_id", clientID).
		Time("blocked_until", until).
		Msg("client blocked")
}

func (l *Limiter) reject(clientID, endpoint string, reason Reason, message string, retryAfter int) Decision {
	l.metrics.RateLimitRejected(string(reason))
	l.log.Info().
		Str("client_id", clientID).
		Str("endpoint", endpoint).
		Str("reason", string(reason)).
		Int("retry_after", retryAfter).
		Msg("request rejected")

	return Decision{
		Allowed:    false,
		Reason:     reason,
		Message:    message,
		RetryAfter: retryAfter,
		Limit:      l.cfg.PerMinute,
		Remaining:  0,
	}
}

// BlockedUntil returns the client's unexpired block, if any.
func (l *Limiter) BlockedUntil(clientID string) (time.Time, bool) {
	now := l.clock.Now()
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	until, ok := l.blocks[clientID]
	if !ok || !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

// Unblock removes any block on clientID.
func (l *Limiter) Unblock(clientID string) {
	l.blockMu.Lock()
	delete(l.blocks, clientID)
	l.blockMu.Unlock()
}

// SweepResult reports what a Sweep removed.
type SweepResult struct {
	WindowsRemoved int
	BlocksRemoved  int
}

// Sweep deletes windows whose timestamps have all aged out and blocks that have expired.
func (l *Limiter) Sweep() SweepResult {
	now := l.clock.Now()
	var res SweepResult

	l.mu.Lock()
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(now)
		if len(w.timestamps) == 0 {
			w.dead = true
			delete(l.windows, key)
			res.WindowsRemoved++
		}
		w.mu.Unlock()
	}
	windows := len(l.windows)
	l.mu.Unlock()

	l.blockMu.Lock()
	for clientID, until := range l.blocks {
		if !until.After(now) {
			delete(l.blocks, clientID)
			res.BlocksRemoved++
		}
	}
	blocked := len(l.blocks)
	l.blockMu.Unlock()

	l.metrics.SetRateLimitState(windows, blocked)
	return res
}

// Stats is a point-in-time view of the limiter for monitoring.
type Stats struct {
	Windows        int `json:"windows"`
	BlockedClients int `json:"blockedClients"`
}

// Stats returns the current number of windows and block states.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	windows := len(l.windows)
	l.mu.RUnlock()

	l.blockMu.Lock()
	blocked := len(l.blocks)
	l.blockMu.Unlock()

	return Stats{Windows: windows, BlockedClients: blocked}
}

func authMessage(endpoint string) string {
	if strings.Contains(strings.ToLower(endpoint), "register") {
		return "Too many registration attempts. Please try again later."
	}
	return "Too many login attempts. Please try again later."
}

func secondsUntil(now, until time.Time) int {
	return int(math.Ceil(until.Sub(now).Seconds()))
}
