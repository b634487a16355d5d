// Package csrf issues and validates per-user, time-limited CSRF tokens.
package csrf

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/model"
)

const tokenBytes = 32

// Config controls token lifetime and the per-user cap.
type Config struct {
	TokenTTL         time.Duration
	MaxTokensPerUser int
}

// DefaultConfig returns a 60 minute lifetime and at most 10 live tokens per user.
func DefaultConfig() Config {
	return Config{
		TokenTTL:         60 * time.Minute,
		MaxTokensPerUser: 10,
	}
}

// Manager stores issued tokens in memory. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	seq    uint64
	tokens map[string]*model.CSRFToken
	byUser map[string]map[string]uint64 // token -> issue sequence
}

// New creates a Manager.
func New(cfg Config, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		cfg:     cfg,
		clock:   clk,
		log:     log.WithComponent("csrf"),
		metrics: m,
		tokens:  make(map[string]*model.CSRFToken),
		byUser:  make(map[string]map[string]uint64),
	}
}

// Issue creates a token bound to userID. Expired tokens are swept and the
// user's oldest live tokens evicted beyond the per-user cap.
func (m *Manager) Issue(userID string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	now := m.clock.Now()

	m.mu.Lock()
	m.tokens[value] = &model.CSRFToken{
		Token:     value,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TokenTTL),
	}
	m.index(userID, value)

	swept := m.sweepLocked(now)
	evicted := m.evictLocked(userID)
	m.mu.Unlock()

	m.metrics.CSRFIssued()
	m.log.Debug().
		Str("user_id", userID).
		Int("swept", swept).
		Int("evicted", evicted).
		Msg("csrf token issued")

	return value, nil
}

// Validate reports whether token exists, belongs to userID and has not expired.
// An expired token is deleted.
func (m *Manager) Validate(token, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(token, userID)
	return ok
}

// ValidateAndConsume is Validate followed by deletion on success; a token validates once.
func (m *Manager) ValidateAndConsume(token, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.lookupLocked(token, userID)
	if !ok {
		return false
	}
	m.removeLocked(t)
	return true
}

// Revoke deletes token regardless of owner.
func (m *Manager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		m.removeLocked(t)
	}
}

// RevokeAll deletes every token owned by userID and returns how many were removed.
func (m *Manager) RevokeAll(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.byUser[userID]
	for value := range set {
		delete(m.tokens, value)
	}
	delete(m.byUser, userID)
	return len(set)
}

// SweepExpired deletes all expired tokens.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

// Count returns the number of stored tokens for userID, expired ones included until swept.
func (m *Manager) Count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Len returns the total number of stored tokens.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func (m *Manager) lookupLocked(token, userID string) (*model.CSRFToken, bool) {
	if token == "" {
		return nil, false
	}
	t, ok := m.tokens[token]
	if !ok {
		return nil, false
	}
	if t.IsExpired(m.clock.Now()) {
		m.removeLocked(t)
		return nil, false
	}
	if t.UserID != userID {
		return nil, false
	}
	return t, true
}

func (m *Manager) index(userID, value string) {
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]uint64)
		m.byUser[userID] = set
	}
	m.seq++
	set[value] = m.seq
}

func (m *Manager) removeLocked(t *model.CSRFToken) {
	delete(m.tokens, t.Token)
	if set, ok := m.byUser[t.UserID]; ok {
		delete(set, t.Token)
		if len(set) == 0 {
			delete(m.byUser, t.UserID)
		}
	}
}

func (m *Manager) sweepLocked(now time.Time) int {
	removed := 0
	for _, t := range m.tokens {
		if t.IsExpired(now) {
			m.removeLocked(t)
			removed++
		}
	}
	return removed
}

// evictLocked drops the user's oldest tokens until at most MaxTokensPerUser
// remain. Tokens created at the same instant go in issue order, so the most
// recently issued token always survives.
func (m *Manager) evictLocked(userID string) int {
	set := m.byUser[userID]
	keep := m.cfg.MaxTokensPerUser
	if keep < 1 {
		keep = 1
	}
	excess := len(set) - keep
	if excess <= 0 {
		return 0
	}

	owned := make([]*model.CSRFToken, 0, len(set))
	for value := range set {
		owned = append(owned, m.tokens[value])
	}
	sort.Slice(owned, func(i, j int) bool {
		a, b := owned[i], owned[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return set[a.Token] < set[b.Token]
	})
	for _, t := range owned[:excess] {
		m.removeLocked(t)
	}
	return excess
}
