// Package auth provides authentication services: JWT-issued bearer
// tokens (HS256) for users and devices, plus bcrypt password hashing.
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Error codes for authentication errors.
const (
	ErrCodeInvalidCredentials = "AUTH.INVALID_CREDENTIALS"
	ErrCodeTokenInvalid       = "AUTH.TOKEN_INVALID"
	ErrCodeTokenExpired       = "AUTH.TOKEN_EXPIRED"
	ErrCodeInsufficientRole   = "AUTH.INSUFFICIENT_ROLE"
)

// Common authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token is invalid")
	ErrTokenExpired       = errors.New("token has expired")
	ErrInsufficientRole   = errors.New("insufficient role for this operation")
	ErrMissingSecret      = errors.New("JWT_SECRET not configured")
)

// Role represents a user's authorization level.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

// HasPermission reports whether r satisfies the required role. Admin
// satisfies everything; a non-admin role only satisfies itself.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// Claims represents the JWT claims issued for a logged-in user, or,
// when DeviceID is non-empty, for a provisioned device's socket token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// IsDeviceToken reports whether these claims were issued for a device
// rather than a logged-in user, per the hybrid socket-auth model.
func (c *Claims) IsDeviceToken() bool {
	return c.DeviceID != ""
}

// JWTConfig holds JWT configuration options.
type JWTConfig struct {
	Secret        []byte
	TokenDuration time.Duration
	Issuer        string
}

// DefaultJWTConfig returns a JWTConfig with default values.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{
		TokenDuration: 1 * time.Hour,
		Issuer:        "gps-stream",
	}
}

// JWTService handles JWT token generation and validation.
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates a new JWT service with the given configuration.
func NewJWTService(config JWTConfig) (*JWTService, error) {
	if len(config.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = DefaultJWTConfig().TokenDuration
	}
	if config.Issuer == "" {
		config.Issuer = DefaultJWTConfig().Issuer
	}
	return &JWTService{config: config}, nil
}

// NewJWTServiceFromEnv creates a JWT service from JWT_SECRET and
// JWT_EXPIRES_IN (a time.ParseDuration string, default "1h").
func NewJWTServiceFromEnv() (*JWTService, error) {
	config := DefaultJWTConfig()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, ErrMissingSecret
	}
	config.Secret = []byte(secret)

	if d := os.Getenv("JWT_EXPIRES_IN"); d != "" {
		if dur, err := time.ParseDuration(d); err == nil {
			config.TokenDuration = dur
		}
	}

	return NewJWTService(config)
}

// TokenInput contains the information needed to generate a user token.
type TokenInput struct {
	UserID   string
	Username string
	Role     Role
}

// DeviceTokenInput contains the information needed to generate a
// device socket-auth token (§4.4 hybrid auth: the decoded-bearer path).
type DeviceTokenInput struct {
	DeviceID    string
	OwnerUserID string
}

// GenerateToken creates a new JWT token for the given user.
func (s *JWTService) GenerateToken(input TokenInput) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenDuration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    s.config.Issuer,
			Subject:   input.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:   input.UserID,
		Username: input.Username,
		Role:     string(input.Role),
	}

	return s.sign(claims, expiresAt)
}

// GenerateDeviceToken creates a device-scoped token used for the
// §4.4 socket handshake's decoded-bearer verification path.
func (s *JWTService) GenerateDeviceToken(input DeviceTokenInput, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	if ttl == 0 {
		ttl = s.config.TokenDuration
	}
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    s.config.Issuer,
			Subject:   input.DeviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:   input.OwnerUserID,
		DeviceID: input.DeviceID,
	}

	return s.sign(claims, expiresAt)
}

func (s *JWTService) sign(claims Claims, expiresAt time.Time) (string, time.Time, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.config.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.config.Secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, jwt.ErrTokenMalformed) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// GetConfig returns the current JWT configuration (for testing/debugging).
func (s *JWTService) GetConfig() JWTConfig {
	return s.config
}
