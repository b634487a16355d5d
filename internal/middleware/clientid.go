package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/cafehub/cafeguard/internal/auth"
)

const ClientIDKey contextKey = "client_id"

const (
	tokenClientPrefix = "token:"
	unknownClient     = "unknown"
)

// ClientID identifies the caller for rate limiting: the first X-Forwarded-For
// address, then X-Real-IP, then a hash prefix of the bearer token, then "unknown".
func ClientID(r *http.Request) string {
	if ip := forwardedIP(r); ip != "" {
		return ip
	}
	if token, ok := auth.ExtractBearer(r.Header.Get("Authorization")); ok {
		sum := sha256.Sum256([]byte(token))
		return tokenClientPrefix + hex.EncodeToString(sum[:])[:16]
	}
	return unknownClient
}

// GetClientID retrieves the client ID stored by the RateLimit middleware,
// computing it if absent.
func GetClientID(r *http.Request) string {
	if id, ok := r.Context().Value(ClientIDKey).(string); ok {
		return id
	}
	return ClientID(r)
}

// ClientIP returns the caller address recorded in audit entries. It is the
// address the request was rate limited under, or the connection's remote host
// when the client ID is not an address.
func ClientIP(r *http.Request) string {
	id := GetClientID(r)
	if id != unknownClient && !strings.HasPrefix(id, tokenClientPrefix) {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func forwardedIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

func withClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}
