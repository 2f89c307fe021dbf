package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"backend/internal/metrics"
)

// MetricsMiddleware records request latency into the given registry's
// HTTPLatency histogram, labelled by method, route path, and status.
func MetricsMiddleware(reg *metrics.Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			reg.HTTPLatency.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())

			return err
		}
	}
}
