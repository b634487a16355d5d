// Package auth issues and validates bearer tokens and verifies passwords.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/model"
)

var (
	ErrMissingToken = apperror.New(apperror.Unauthenticated, "Missing or malformed authorization header")
	ErrInvalidToken = apperror.New(apperror.Unauthenticated, "Invalid or expired token")
)

// Claims is the access token payload. Claim names match the tokens issued by
// the existing cafe management backend.
type Claims struct {
	jwt.RegisteredClaims
	NameID          string `json:"nameid,omitempty"`
	Email           string `json:"email,omitempty"`
	Role            string `json:"role"`
	DefaultOutletID string `json:"DefaultOutletId,omitempty"`
	AssignedOutlets string `json:"AssignedOutlets,omitempty"`
}

// UserID returns nameid, falling back to sub.
func (c *Claims) UserID() string {
	if c.NameID != "" {
		return c.NameID
	}
	return c.Subject
}

// Principal converts the claims into a Principal.
func (c *Claims) Principal() (*model.Principal, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	p := &model.Principal{
		UserID:          userID,
		Role:            c.Role,
		AssignedOutlets: make(map[int64]struct{}),
	}

	if c.DefaultOutletID != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(c.DefaultOutletID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DefaultOutletId claim: %w", err)
		}
		p.DefaultOutletID = &id
	}

	for _, part := range strings.Split(c.AssignedOutlets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid AssignedOutlets claim: %w", err)
		}
		p.AssignedOutlets[id] = struct{}{}
	}

	return p, nil
}

// TokenService signs and validates HS256 access tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewTokenService creates a TokenService.
func NewTokenService(cfg config.TokenConfig, clk clock.Clock) *TokenService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		clock:  clk,
	}
}

// TTL returns the access token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs an access token for user and returns it with its expiry.
func (s *TokenService) Issue(user *model.User) (string, time.Time, error) {
	now := s.clock.Now()
	expiry := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.NewString(),
		},
		NameID:          user.ID,
		Email:           user.Email,
		Role:            user.Role,
		AssignedOutlets: joinOutlets(user.AssignedOutlets),
	}
	if user.DefaultOutletID != nil {
		claims.DefaultOutletID = strconv.FormatInt(*user.DefaultOutletID, 10)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiry, nil
}

// Validate parses and verifies tokenString. Any failure is reported as ErrInvalidToken.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.Unauthenticated, ErrInvalidToken.Message, errors.Join(ErrInvalidToken, err))
	}
	return claims, nil
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>" header value.
func ExtractBearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func joinOutlets(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
