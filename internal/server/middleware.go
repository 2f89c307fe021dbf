package server

import (
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ApplyProdMiddleware configures production middleware (minimal, no CORS).
func ApplyProdMiddleware(e *echo.Echo) {
	// Compression middleware first (before other middleware)
	e.Use(middleware.Gzip())

	// Logger middleware (optional, enabled via env)
	if os.Getenv("ENABLE_LOGGING") == "true" {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:  true,
			LogMethod:  true,
			LogURI:     true,
			LogError:   true,
			LogLatency: true,
		}))
	}

	// Recovery middleware last (catches panics from handlers and from
	// middleware added after it; not from the middleware registered above)
	e.Use(middleware.Recover())

	// No CORS in production (same-origin)
}

// ApplyDevMiddleware configures development middleware (logging,
// recovery). CORS is applied separately by the caller using the
// configured allowed-origins list, not a hardcoded allow-all.
func ApplyDevMiddleware(e *echo.Echo) {
	// Compression middleware first
	e.Use(middleware.Gzip())

	// Request logging middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogError:   true,
		LogLatency: true,
	}))

	// Recovery middleware last (catches panics from handlers and from
	// middleware added after it; not from the middleware registered above)
	e.Use(middleware.Recover())
}
