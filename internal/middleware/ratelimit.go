package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"backend/internal/auth"
)

// RateLimitConfig configures rate limiting behavior
type RateLimitConfig struct {
	// Rate is the number of tokens added per second
	Rate float64
	// Burst is the maximum number of tokens (bucket size)
	Burst int
	// KeyFunc extracts the rate limit key from the request
	KeyFunc func(c echo.Context) string
	// Skipper defines a function to skip middleware
	Skipper func(c echo.Context) bool
	// OnLimitReached is called when rate limit is exceeded
	OnLimitReached func(c echo.Context)
}

// DefaultRateLimitConfigs provides rate limit configurations for the
// endpoints §6 names as rate-limited: login, device activation, and
// address/geocode lookups.
var DefaultRateLimitConfigs = map[string]RateLimitConfig{
	"login": {
		Rate:  0.1, // 1 per 10 seconds
		Burst: 5,   // RATE_LIMIT_LOGIN_MAX
	},
	"activate": {
		Rate:  0.1, // 1 per 10 seconds
		Burst: 5,   // RATE_LIMIT_ACTIVATE_MAX
	},
	"addresses": {
		Rate:  1,  // 1 per second
		Burst: 10,
	},
}

// TokenBucket implements the token bucket algorithm for rate limiting
type TokenBucket struct {
	mu          sync.Mutex
	tokens      float64
	maxTokens   float64
	refillRate  float64
	lastRefill  time.Time
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request is allowed and consumes a token if so
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	// Check if we have a token
	if tb.tokens < 1 {
		return false
	}

	// Consume a token
	tb.tokens--
	return true
}

// Tokens returns the current number of tokens
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// RateLimiter manages rate limiting across multiple keys
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  RateLimitConfig

	// Cleanup settings
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	lastAccess      map[string]time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*TokenBucket),
		config:          config,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastAccess:      make(map[string]time.Time),
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = NewTokenBucket(rl.config.Rate, rl.config.Burst)
		rl.buckets[key] = bucket
	}
	rl.lastAccess[key] = time.Now()
	rl.mu.Unlock()

	return bucket.Allow()
}

// cleanup removes idle buckets periodically
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, lastAccess := range rl.lastAccess {
			if now.Sub(lastAccess) > rl.maxIdleTime {
				delete(rl.buckets, key)
				delete(rl.lastAccess, key)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware returns an Echo middleware that applies rate limiting
func RateLimitMiddleware(config RateLimitConfig) echo.MiddlewareFunc {
	// Set default key function (by IP)
	if config.KeyFunc == nil {
		config.KeyFunc = func(c echo.Context) string {
			return "ip:" + c.RealIP()
		}
	}

	rl := NewRateLimiter(config)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Check skipper
			if config.Skipper != nil && config.Skipper(c) {
				return next(c)
			}

			// Get rate limit key
			key := config.KeyFunc(c)

			// Check rate limit
			if !rl.Allow(key) {
				// Call callback if configured
				if config.OnLimitReached != nil {
					config.OnLimitReached(c)
				}

				return echo.NewHTTPError(http.StatusTooManyRequests, map[string]interface{}{
					"code":    auth.ErrCodeRateLimited,
					"message": "Rate limit exceeded. Please try again later.",
				})
			}

			return next(c)
		}
	}
}

// LoginRateLimitMiddleware returns a rate limiter configured for
// POST /api/auth/login attempts, keyed by IP.
func LoginRateLimitMiddleware() echo.MiddlewareFunc {
	config := DefaultRateLimitConfigs["login"]
	config.KeyFunc = IPKeyFunc("login")
	config.Skipper = func(c echo.Context) bool {
		return c.Path() != "/api/auth/login" || c.Request().Method != "POST"
	}
	return RateLimitMiddleware(config)
}

// ActivateRateLimitMiddleware returns a rate limiter configured for
// POST /api/devices/activate attempts, keyed by IP.
func ActivateRateLimitMiddleware() echo.MiddlewareFunc {
	config := DefaultRateLimitConfigs["activate"]
	config.KeyFunc = IPKeyFunc("activate")
	config.Skipper = func(c echo.Context) bool {
		return c.Path() != "/api/devices/activate" || c.Request().Method != "POST"
	}
	return RateLimitMiddleware(config)
}

// AddressesRateLimitMiddleware returns a rate limiter configured for
// the geocode/autocomplete and from-addresses* route-creation
// endpoints, keyed by authenticated user where available.
func AddressesRateLimitMiddleware() echo.MiddlewareFunc {
	config := DefaultRateLimitConfigs["addresses"]
	config.KeyFunc = UserKeyFunc("addresses")
	return RateLimitMiddleware(config)
}

// UserKeyFunc creates a key function that uses user ID if authenticated
func UserKeyFunc(prefix string) func(c echo.Context) string {
	return func(c echo.Context) string {
		user := UserFromContext(c.Request().Context())
		if user != nil {
			return prefix + ":user:" + user.ID
		}
		return prefix + ":ip:" + c.RealIP()
	}
}

// IPKeyFunc creates a key function that uses only IP
func IPKeyFunc(prefix string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return prefix + ":ip:" + c.RealIP()
	}
}
