package model

import (
	"time"
)

// CSRFToken represents an anti-forgery token bound to a user
type CSRFToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired checks if the token has expired at now
func (t *CSRFToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// APIKeyState is the lifecycle state of an API key
type APIKeyState string

const (
	APIKeyStateActive     APIKeyState = "active"
	APIKeyStateDeprecated APIKeyState = "deprecated"
	APIKeyStateInactive   APIKeyState = "inactive"
)

// APIKey represents a service API key
type APIKey struct {
	Key          string     `json:"key"`
	ServiceName  string     `json:"serviceName"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	RequestCount int64      `json:"requestCount"`
	IsActive     bool       `json:"isActive"`
	DeprecatedAt *time.Time `json:"deprecatedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// IsExpired checks if the key has expired at now
func (k *APIKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

// IsDeprecated checks if the key has been superseded by a rotation
func (k *APIKey) IsDeprecated() bool {
	return k.DeprecatedAt != nil
}

// IsRevoked checks if the key has been revoked
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// State derives the lifecycle state at now
func (k *APIKey) State(now time.Time) APIKeyState {
	if !k.IsActive || k.IsExpired(now) {
		return APIKeyStateInactive
	}
	if k.IsDeprecated() {
		return APIKeyStateDeprecated
	}
	return APIKeyStateActive
}

// Masked returns the key with everything after the prefix and first four characters hidden
func (k *APIKey) Masked() string {
	const visible = 9 // "cafe_" + 4
	if len(k.Key) <= visible {
		return k.Key
	}
	return k.Key[:visible] + "..."
}
