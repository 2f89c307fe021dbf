package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"backend/internal/auth"
)

// Context keys for auth information.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "auth_user"
	// ClaimsContextKey is the context key for JWT claims.
	ClaimsContextKey contextKey = "auth_claims"
)

// AuthUser represents an authenticated user in the request context.
type AuthUser struct {
	ID       string
	Username string
	Role     auth.Role
}

// AuthMiddlewareConfig configures the bearer-token auth middleware.
type AuthMiddlewareConfig struct {
	JWTService *auth.JWTService
	Skipper    func(c echo.Context) bool
}

// DefaultAuthMiddlewareConfig returns a default configuration.
func DefaultAuthMiddlewareConfig(jwtService *auth.JWTService) AuthMiddlewareConfig {
	return AuthMiddlewareConfig{
		JWTService: jwtService,
		Skipper:    DefaultSkipper,
	}
}

// DefaultSkipper skips auth for health checks and metrics.
func DefaultSkipper(c echo.Context) bool {
	path := c.Path()
	return path == "/health" || path == "/metrics"
}

// AuthMiddleware returns an Echo middleware that authenticates requests
// via a JWT bearer token (Authorization: Bearer xxx). Device-socket
// authentication is handled separately by the socket server's hybrid
// handshake (§4.4), not by this HTTP middleware.
func AuthMiddleware(config AuthMiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper != nil && config.Skipper(c) {
				return next(c)
			}

			token := extractBearerToken(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, map[string]interface{}{
					"code":    auth.ErrCodeInvalidCredentials,
					"message": "Authentication required",
				})
			}

			claims, err := config.JWTService.ValidateToken(token)
			if err != nil || claims.IsDeviceToken() {
				return echo.NewHTTPError(http.StatusUnauthorized, map[string]interface{}{
					"code":    auth.ErrCodeTokenInvalid,
					"message": "Invalid or expired token",
				})
			}

			user := &AuthUser{
				ID:       claims.UserID,
				Username: claims.Username,
				Role:     auth.Role(claims.Role),
			}

			ctx := context.WithValue(c.Request().Context(), UserContextKey, user)
			ctx = context.WithValue(ctx, ClaimsContextKey, claims)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// RoleRequiredMiddleware returns a middleware that requires a specific
// role. Must run after AuthMiddleware.
func RoleRequiredMiddleware(requiredRole auth.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := UserFromContext(c.Request().Context())
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, map[string]interface{}{
					"code":    auth.ErrCodeInvalidCredentials,
					"message": "Authentication required",
				})
			}

			if !user.Role.HasPermission(requiredRole) {
				return echo.NewHTTPError(http.StatusForbidden, map[string]interface{}{
					"code":    auth.ErrCodeInsufficientRole,
					"message": "Insufficient permissions for this operation",
				})
			}

			return next(c)
		}
	}
}

func extractBearerToken(c echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// UserFromContext extracts the authenticated user from context.
func UserFromContext(ctx context.Context) *AuthUser {
	if user, ok := ctx.Value(UserContextKey).(*AuthUser); ok {
		return user
	}
	return nil
}

// ClaimsFromContext extracts the JWT claims from context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// IsAuthenticated checks if the request context has a valid authenticated user.
func IsAuthenticated(ctx context.Context) bool {
	return UserFromContext(ctx) != nil
}

// HasRole checks if the authenticated user has at least the required role.
func HasRole(ctx context.Context, required auth.Role) bool {
	user := UserFromContext(ctx)
	if user == nil {
		return false
	}
	return user.Role.HasPermission(required)
}
