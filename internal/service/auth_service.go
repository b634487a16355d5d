package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cafehub/cafeguard/internal/apperror"
	"github.com/cafehub/cafeguard/internal/audit"
	"github.com/cafehub/cafeguard/internal/auth"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/model"
	"github.com/cafehub/cafeguard/internal/repository"
)

var (
	ErrInvalidCredentials = apperror.New(apperror.Unauthenticated, "Invalid email or password")
	ErrAccountNotActive   = apperror.New(apperror.Unauthorized, "Account is not active")
)

// UserStore is the user persistence the AuthService depends on
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string) error
}

// AuthService signs users in and records the outcome in the audit log
type AuthService struct {
	users  UserStore
	hasher *auth.PasswordHasher
	tokens *auth.TokenService
	audit  *audit.Logger
	log    *logger.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(users UserStore, hasher *auth.PasswordHasher, tokens *auth.TokenService, auditLog *audit.Logger, log *logger.Logger) *AuthService {
	return &AuthService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		audit:  auditLog,
		log:    log.WithComponent("auth_service"),
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse represents a successful login
type LoginResponse struct {
	AccessToken string      `json:"accessToken"`
	TokenType   string      `json:"tokenType"`
	ExpiresIn   int         `json:"expiresIn"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	User        *model.User `json:"user"`
}

// Login verifies the credentials and issues an access token
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.audit.LogAuthentication(model.AuditActionLoginFailed, email, false, req.IPAddress, req.UserAgent, "unknown_email")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	match, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("stored password hash is unreadable")
		s.audit.LogAuthentication(model.AuditActionLoginFailed, user.ID, false, req.IPAddress, req.UserAgent, "invalid_hash")
		return nil, ErrInvalidCredentials
	}
	if !match {
		s.audit.LogAuthentication(model.AuditActionLoginFailed, user.ID, false, req.IPAddress, req.UserAgent, "invalid_password")
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		s.audit.LogAuthentication(model.AuditActionLoginFailed, user.ID, false, req.IPAddress, req.UserAgent, "account_inactive")
		return nil, ErrAccountNotActive
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	// Best effort; a failure here must not fail the login
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if hash, err := s.hasher.Hash(req.Password); err == nil {
			if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
				s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to upgrade password hash")
			}
		}
	}
	if err := s.users.TouchLastLogin(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to record last login")
	}

	s.audit.LogAuthentication(model.AuditActionLogin, user.ID, true, req.IPAddress, req.UserAgent, "")
	s.log.Info().Str("user_id", user.ID).Str("role", user.Role).Msg("user logged in")

	return &LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
		ExpiresAt:   expiresAt,
		User:        user,
	}, nil
}
