package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service errors.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserExists       = errors.New("username already exists")
)

// User represents a user account (§3's User entity, auth-service view).
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Active       bool
	LastLogin    *time.Time
	CreatedAt    time.Time
}

// UserRepository defines the interface for user data access.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, user *User) error
	UpdateLastLogin(ctx context.Context, userID string, loginTime time.Time) error
}

// AuditEvent represents an audit event.
type AuditEvent struct {
	Type          string
	UserID        *string
	Username      *string
	IP            string
	UserAgent     string
	CorrelationID string
	Details       map[string]interface{}
	Timestamp     time.Time
}

// AuditLogger defines the interface for audit logging.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// Config configures the auth service.
type Config struct {
	JWTService      *JWTService
	PasswordService *PasswordService
	UserRepository  UserRepository
	AuditLogger     AuditLogger
	Logger          *zap.Logger
}

// Service orchestrates user authentication: credential verification,
// token issuance, and password changes. Device authentication is a
// separate, narrower concern handled by JWTService.GenerateDeviceToken
// and the session registry's cached-token path (§4.4).
type Service struct {
	jwt      *JWTService
	password *PasswordService
	users    UserRepository
	audit    AuditLogger
	logger   *zap.Logger
}

// NewService creates a new authentication service.
func NewService(config Config) (*Service, error) {
	if config.JWTService == nil {
		return nil, errors.New("JWT service is required")
	}
	if config.PasswordService == nil {
		config.PasswordService = NewDefaultPasswordService()
	}
	if config.UserRepository == nil {
		return nil, errors.New("user repository is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		jwt:      config.JWTService,
		password: config.PasswordService,
		users:    config.UserRepository,
		audit:    config.AuditLogger,
		logger:   logger,
	}, nil
}

// LoginInput contains the information needed to login.
type LoginInput struct {
	Username  string
	Password  string //nolint:gosec // G101: credential field required for authentication
	IP        string
	UserAgent string
}

// LoginResult contains the result of a successful login.
type LoginResult struct {
	Token     string
	User      *User
	ExpiresAt time.Time
}

// Login authenticates a user and issues a bearer token.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if input.Username == "" || input.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, input.Username)
	if err != nil {
		s.logAuditEvent(ctx, AuditLoginFailure, nil, &input.Username, input.IP, input.UserAgent, map[string]interface{}{
			"reason": "user_not_found",
		})
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.logAuditEvent(ctx, AuditLoginFailure, &user.ID, &user.Username, input.IP, input.UserAgent, map[string]interface{}{
			"reason": "user_inactive",
		})
		return nil, ErrInvalidCredentials
	}

	if !s.password.VerifyPassword(user.PasswordHash, input.Password) {
		s.logAuditEvent(ctx, AuditLoginFailure, &user.ID, &user.Username, input.IP, input.UserAgent, map[string]interface{}{
			"reason": "invalid_password",
		})
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.jwt.GenerateToken(TokenInput{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("generate JWT token: %w", err)
	}

	now := time.Now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.logAuditEvent(ctx, AuditLoginSuccess, &user.ID, &user.Username, input.IP, input.UserAgent, nil)

	return &LoginResult{
		Token:     token,
		User:      user,
		ExpiresAt: expiresAt,
	}, nil
}

// ChangePasswordInput contains the information needed to change a password.
type ChangePasswordInput struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
	IP              string
	UserAgent       string
}

// ChangePassword changes a user's password.
func (s *Service) ChangePassword(ctx context.Context, input ChangePasswordInput) error {
	if input.UserID == "" || input.CurrentPassword == "" || input.NewPassword == "" {
		return ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, input.UserID)
	if err != nil {
		return ErrUserNotFound
	}

	if !s.password.VerifyPassword(user.PasswordHash, input.CurrentPassword) {
		s.logAuditEvent(ctx, AuditPasswordFailure, &user.ID, &user.Username, input.IP, input.UserAgent, map[string]interface{}{
			"reason": "invalid_current_password",
		})
		return ErrPasswordMismatch
	}

	if _, err := s.password.HashPassword(input.NewPassword); err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.logAuditEvent(ctx, AuditPasswordChange, &user.ID, &user.Username, input.IP, input.UserAgent, nil)
	return nil
}

// GetCurrentUser retrieves the current user by ID.
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return user, nil
}

// ValidatePassword validates a password against the policy.
func (s *Service) ValidatePassword(password string) error {
	return s.password.ValidatePassword(password)
}

// JWTService returns the JWT service for token operations.
func (s *Service) JWTService() *JWTService {
	return s.jwt
}

// PasswordService returns the password service.
func (s *Service) PasswordService() *PasswordService {
	return s.password
}

func (s *Service) logAuditEvent(ctx context.Context, eventType string, userID, username *string, ip, userAgent string, details map[string]interface{}) {
	redactedDetails := redactSensitiveFields(details)

	event := AuditEvent{
		Type:      eventType,
		UserID:    userID,
		Username:  username,
		IP:        ip,
		UserAgent: userAgent,
		Details:   redactedDetails,
		Timestamp: time.Now(),
	}

	if reqID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		event.CorrelationID = reqID
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, event); err != nil {
			s.logger.Error("failed to log audit event", zap.Error(err))
		}
	}
}

// requestIDContextKey is the context key logAuditEvent reads a
// correlation ID from. Nothing sets it: the request-id middleware keeps
// its ID under its own key type in package middleware, so audit events
// carry an empty CorrelationID.
type requestIDContextKey struct{}

func redactSensitiveFields(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	redacted := make(map[string]interface{})
	sensitiveKeys := map[string]bool{
		"password":         true,
		"current_password": true,
		"new_password":     true,
		"token":            true,
		"secret":           true,
		"bearer":           true,
		"key":              true,
	}

	for k, v := range details {
		if sensitiveKeys[k] {
			redacted[k] = "[REDACTED]"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}
