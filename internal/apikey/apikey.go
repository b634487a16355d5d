// Package apikey manages service-to-service API keys: issuance, validation
// with usage tracking, rotation with a grace period, and revocation.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/model"
)

// Prefix starts every issued key.
const Prefix = "cafe_"

// 24 bytes encode to 32 url-safe characters.
const keyBytes = 24

var (
	ErrKeyNotFound   = apperror.New(apperror.NotFound, "API key not found")
	ErrKeyInactive   = apperror.New(apperror.StateConflict, "API key is revoked or inactive")
	ErrKeyDeprecated = apperror.New(apperror.StateConflict, "API key has already been rotated")
)

// Config controls key lifetimes.
type Config struct {
	Lifetime         time.Duration
	GracePeriod      time.Duration
	RotationWarnDays int
}

// DefaultConfig returns a 90 day lifetime, a 30 day rotation grace period and a 7 day warning window.
func DefaultConfig() Config {
	return Config{
		Lifetime:         90 * 24 * time.Hour,
		GracePeriod:      30 * 24 * time.Hour,
		RotationWarnDays: 7,
	}
}

// Manager holds API keys in memory. It is safe for concurrent use.
// Returned keys are copies; mutating them does not affect the store.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	keys map[string]*model.APIKey
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
		log:     log.WithComponent("apikey"),
		metrics: m,
		keys:    make(map[string]*model.APIKey),
	}
}

// Issue creates an active key for serviceName.
func (m *Manager) Issue(serviceName, description string) (*model.APIKey, error) {
	value, err := generateKey()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	key := &model.APIKey{
		Key:         value,
		ServiceName: serviceName,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.Lifetime),
		IsActive:    true,
	}

	m.mu.Lock()
	m.keys[value] = key
	out := *key
	m.mu.Unlock()

	m.log.Info().
		Str("service", serviceName).
		Str("key", key.Masked()).
		Time("expires_at", key.ExpiresAt).
		Msg("api key issued")

	return &out, nil
}

// Validate reports whether key exists, is active and has not expired. A key
// found expired is marked inactive. A valid key has its usage recorded.
func (m *Manager) Validate(key string) (bool, *model.APIKey) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[key]
	if !ok || !k.IsActive {
		m.metrics.APIKeyValidated(false)
		return false, nil
	}
	if k.IsExpired(now) {
		k.IsActive = false
		m.metrics.APIKeyValidated(false)
		m.log.Info().
			Str("service", k.ServiceName).
			Str("key", k.Masked()).
			Msg("api key expired")
		return false, nil
	}

	k.RequestCount++
	used := now
	k.LastUsedAt = &used
	m.metrics.APIKeyValidated(true)

	out := *k
	return true, &out
}

// Rotate issues a replacement for oldKey and deprecates oldKey so that it
// stays valid for exactly GracePeriod from now. It returns the new key and
// the old key's new expiry.
func (m *Manager) Rotate(oldKey string) (*model.APIKey, time.Time, error) {
	value, err := generateKey()
	if err != nil {
		return nil, time.Time{}, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	old, ok := m.keys[oldKey]
	if !ok {
		m.mu.Unlock()
		return nil, time.Time{}, ErrKeyNotFound
	}
	if !old.IsActive || old.IsRevoked() || old.IsExpired(now) {
		m.mu.Unlock()
		return nil, time.Time{}, ErrKeyInactive
	}
	if old.IsDeprecated() {
		m.mu.Unlock()
		return nil, time.Time{}, ErrKeyDeprecated
	}

	deprecatedAt := now
	old.DeprecatedAt = &deprecatedAt
	old.ExpiresAt = now.Add(m.cfg.GracePeriod)

	replacement := &model.APIKey{
		Key:         value,
		ServiceName: old.ServiceName,
		Description: old.Description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.Lifetime),
		IsActive:    true,
	}
	m.keys[value] = replacement

	out := *replacement
	deprecation := old.ExpiresAt
	service := old.ServiceName
	oldMasked := old.Masked()
	m.mu.Unlock()

	m.log.Info().
		Str("service", service).
		Str("old_key", oldMasked).
		Str("new_key", out.Masked()).
		Time("deprecation_date", deprecation).
		Msg("api key rotated")

	return &out, deprecation, nil
}

// Revoke deactivates key immediately. Revoking a revoked key is a no-op.
func (m *Manager) Revoke(key string) error {
	now := m.clock.Now()

	m.mu.Lock()
	k, ok := m.keys[key]
	if !ok {
		m.mu.Unlock()
		return ErrKeyNotFound
	}
	if k.IsRevoked() {
		m.mu.Unlock()
		return nil
	}
	k.IsActive = false
	revokedAt := now
	k.RevokedAt = &revokedAt
	service, masked := k.ServiceName, k.Masked()
	m.mu.Unlock()

	m.log.Warn().
		Str("service", service).
		Str("key", masked).
		Msg("api key revoked")
	return nil
}

// Get returns a copy of the stored key.
func (m *Manager) Get(key string) (*model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := *k
	return &out, nil
}

// ListAll returns every stored key, oldest first.
func (m *Manager) ListAll() []model.APIKey {
	m.mu.RLock()
	out := make([]model.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	m.mu.RUnlock()

	sortByCreated(out)
	return out
}

// ListNeedingRotation returns active, non-deprecated keys that expire within
// withinDays days. A non-positive withinDays uses the configured warning window.
func (m *Manager) ListNeedingRotation(withinDays int) []model.APIKey {
	if withinDays <= 0 {
		withinDays = m.cfg.RotationWarnDays
	}
	now := m.clock.Now()
	horizon := now.Add(time.Duration(withinDays) * 24 * time.Hour)

	m.mu.RLock()
	var out []model.APIKey
	for _, k := range m.keys {
		if k.State(now) != model.APIKeyStateActive {
			continue
		}
		if k.ExpiresAt.Before(horizon) {
			out = append(out, *k)
		}
	}
	m.mu.RUnlock()

	sortByCreated(out)
	return out
}

// SweepExpired deletes keys whose expiry has passed.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for value, k := range m.keys {
		if k.IsExpired(now) {
			delete(m.keys, value)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored keys.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func generateKey() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func sortByCreated(keys []model.APIKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].Key < keys[j].Key
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
}
