// Package config loads the service's runtime configuration from
// environment variables, following the same os.Getenv-with-fallback
// idiom as auth.NewJWTServiceFromEnv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment-tunable settings for the
// telemetry streaming service.
type Config struct {
	Port   string
	NodeEnv string // "development" or "production"; toggles logging verbosity and dev defaults

	DatabaseURL         string
	RedisURL            string
	JWTSecret           string
	JWTExpiresIn        time.Duration
	DefaultAdminPassword string

	AllowedOrigins []string
	WSAuthTTL      time.Duration
	WSConnTTL      time.Duration

	StreamDefaultSpeedKmh     float64
	StreamDefaultAccuracyM    float64
	StreamTickMs              int64
	StreamDefaultLoop         bool
	StreamDistanceEngine      bool
	StreamTickClampMinMs      int64
	StreamTickClampMaxMs      int64

	StreamWSBackpressureEnabled      bool
	StreamWSBufferedMaxBytes         int64
	StreamWSTCPMaxBytes              int64
	StreamWSPressureStrikesToPause   int
	StreamWSPressureWindowMs         int64

	RouteSafetyGate       bool
	RouteSimplifyMeters   float64
	RouteResampleMeters   float64
	RouteMaxSegmentMeters float64
	RouteMinTotalMeters   float64

	ORSAPIKey              string
	ORSAPIURL              string
	ORSGeocodingCacheTTL   time.Duration
	ORSDefaultPointSpacing float64

	RateLimitAddresses  float64
	RateLimitWindow     time.Duration
	RateLimitLoginMax   int
	RateLimitActivateMax int
	RateLimitIPWindow   time.Duration
}

// Load reads Config from the process environment, applying the
// defaults documented for each variable.
func Load() Config {
	return Config{
		Port:                 getString("PORT", "8080"),
		NodeEnv:              getString("NODE_ENV", "development"),
		DatabaseURL:          getString("DATABASE_URL", "sqlite://data/telemetry.db"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTExpiresIn:         getDuration("JWT_EXPIRES_IN", time.Hour),
		DefaultAdminPassword: os.Getenv("DEFAULT_ADMIN_PASSWORD"),

		AllowedOrigins: getCSV("ALLOWED_ORIGINS", []string{"*"}),
		WSAuthTTL:      getDuration("WS_AUTH_TTL", 900*time.Second),
		WSConnTTL:      getDuration("WS_CONN_TTL", 120*time.Second),

		StreamDefaultSpeedKmh:  getFloat("STREAM_DEFAULT_SPEED", 30),
		StreamDefaultAccuracyM: getFloat("STREAM_DEFAULT_ACCURACY", 5),
		StreamTickMs:           getInt64("STREAM_TICK_MS", 1000),
		StreamDefaultLoop:      getBool("STREAM_DEFAULT_LOOP", false),
		StreamDistanceEngine:   getBool("STREAM_DISTANCE_ENGINE", true),
		StreamTickClampMinMs:   getInt64("STREAM_TICK_CLAMP_MIN_MS", 200),
		StreamTickClampMaxMs:   getInt64("STREAM_TICK_CLAMP_MAX_MS", 2000),

		StreamWSBackpressureEnabled:    getBool("STREAM_WS_BACKPRESSURE_ENABLED", true),
		StreamWSBufferedMaxBytes:       getInt64("STREAM_WS_BUFFERED_MAX_BYTES", 262144),
		StreamWSTCPMaxBytes:            getInt64("STREAM_WS_TCP_MAX_BYTES", 524288),
		StreamWSPressureStrikesToPause: int(getInt64("STREAM_WS_PRESSURE_STRIKES_TO_PAUSE", 10)),
		StreamWSPressureWindowMs:       getInt64("STREAM_WS_PRESSURE_WINDOW_MS", 15000),

		RouteSafetyGate:       getBool("ROUTE_SAFETY_GATE", true),
		RouteSimplifyMeters:   getFloat("ROUTE_SIMPLIFY_METERS", 5),
		RouteResampleMeters:   getFloat("ROUTE_RESAMPLE_METERS", 5),
		RouteMaxSegmentMeters: getFloat("ROUTE_MAX_SEGMENT_METERS", 200),
		RouteMinTotalMeters:   getFloat("ROUTE_MIN_TOTAL_METERS", 50),

		ORSAPIKey:              os.Getenv("ORS_API_KEY"),
		ORSAPIURL:              getString("ORS_API_URL", "https://api.openrouteservice.org"),
		ORSGeocodingCacheTTL:   getDuration("ORS_GEOCODING_CACHE_TTL", 86400*time.Second),
		ORSDefaultPointSpacing: getFloat("ORS_DEFAULT_POINT_SPACING", 25),

		RateLimitAddresses:   getFloat("RATE_LIMIT_ADDRESSES", 1),
		RateLimitWindow:      getDuration("RATE_LIMIT_WINDOW", 10*time.Second),
		RateLimitLoginMax:    int(getInt64("RATE_LIMIT_LOGIN_MAX", 5)),
		RateLimitActivateMax: int(getInt64("RATE_LIMIT_ACTIVATE_MAX", 5)),
		RateLimitIPWindow:    getDuration("RATE_LIMIT_IP_WINDOW", 10*time.Second),
	}
}

// IsProduction reports whether NODE_ENV selects production defaults.
func (c Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
