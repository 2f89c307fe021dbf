package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"backend/internal/apperr"
	"backend/internal/kv"
)

// SlidingWindowConfig configures the KV-backed rate limiter that backs
// the per-subject ratelimit:<scope>:<subject> keys.
type SlidingWindowConfig struct {
	Scope   string
	Max     int64
	Window  time.Duration
	KeyFunc func(c echo.Context) string
	Skipper func(c echo.Context) bool
}

// SlidingWindowMiddleware rejects requests once a subject exceeds Max
// occurrences within Window, counted via kv.Store.SlidingWindowAdd.
// This is the multi-instance-fair complement to the in-process
// TokenBucket middlewares above, which only bound a single process.
func SlidingWindowMiddleware(store kv.Store, cfg SlidingWindowConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			key := fmt.Sprintf("ratelimit:%s:%s", cfg.Scope, cfg.KeyFunc(c))
			count, err := store.SlidingWindowAdd(c.Request().Context(), key, time.Now(), cfg.Window)
			if err != nil {
				return next(c)
			}
			if count > cfg.Max {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"success": false,
					"error":   apperr.RateLimited(int(cfg.Window.Seconds())).Error(),
				})
			}
			return next(c)
		}
	}
}
