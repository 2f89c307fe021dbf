// Package middleware provides HTTP middleware for the streaming backend.
package middleware

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// RequestIDHeader is the HTTP header for request correlation ID.
	RequestIDHeader = "X-Request-ID"
	// RequestIDLogKey is the log field key for request ID.
	RequestIDLogKey = "request_id"
)

type requestIDKeyType struct{}
type productionModeKeyType struct{}

var (
	requestIDKey      = requestIDKeyType{}
	productionModeKey = productionModeKeyType{}
)

// entropy and entropyMu provide thread-safe ULID generation.
//
//nolint:gosec // request ID does not need cryptographically random entropy
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// GenerateRequestID creates a new ULID-based request ID. ULIDs are
// time-sortable and globally unique.
func GenerateRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// RequestIDMiddleware returns an HTTP middleware that adds request
// correlation IDs, extracting an existing one from X-Request-ID or
// generating a new one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// IsProductionMode checks if running in production mode.
func IsProductionMode(ctx context.Context) bool {
	if prod, ok := ctx.Value(productionModeKey).(bool); ok {
		return prod
	}
	return false
}

// WithProductionMode sets the production mode flag in context.
func WithProductionMode(ctx context.Context, production bool) context.Context {
	return context.WithValue(ctx, productionModeKey, production)
}

// ProductionModeMiddleware returns an HTTP middleware that sets
// production mode in context.
func ProductionModeMiddleware(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithProductionMode(r.Context(), production)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ChainMiddleware chains multiple HTTP middlewares together.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
