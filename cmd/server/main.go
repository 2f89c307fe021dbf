// Command server is the streaming service's entrypoint: it loads
// configuration, wires every component together, and starts the
// Echo server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"backend/internal/auth"
	"backend/internal/backpressure"
	"backend/internal/config"
	"backend/internal/control"
	"backend/internal/events"
	"backend/internal/kv"
	"backend/internal/logger"
	appmw "backend/internal/middleware"
	"backend/internal/metrics"
	"backend/internal/ors"
	"backend/internal/routesafety"
	"backend/internal/scheduler"
	"backend/internal/server"
	"backend/internal/session"
	"backend/internal/store"
	"backend/internal/validation"
	"backend/internal/wsserver"
)

func main() {
	cfg := config.Load()

	if cfg.IsProduction() {
		logger.Init(logger.DefaultConfig())
	} else {
		logger.Init(logger.DevelopmentConfig())
	}
	defer logger.Sync()
	log := logger.L()

	ctx := context.Background()

	st, err := store.Open(ctx, dbPath(cfg.DatabaseURL))
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	kvStore, err := openKV(cfg)
	if err != nil {
		log.Fatal("open kv store", zap.Error(err))
	}
	defer kvStore.Close()

	if err := purgeStaleHotState(ctx, kvStore); err != nil {
		log.Warn("purge stale hot state", zap.Error(err))
	}

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{
		Secret:        []byte(cfg.JWTSecret),
		TokenDuration: cfg.JWTExpiresIn,
		Issuer:        "gps-stream",
	})
	if err != nil {
		log.Fatal("init jwt service", zap.Error(err))
	}

	authSvc, err := auth.NewService(auth.Config{
		JWTService:      jwtSvc,
		PasswordService: auth.NewDefaultPasswordService(),
		UserRepository:  auth.NewStoreUserRepository(st),
		AuditLogger:     auth.NewLoggerAuditLogger(log, "auth"),
		Logger:          log,
	})
	if err != nil {
		log.Fatal("init auth service", zap.Error(err))
	}

	bus := events.New()
	defer bus.Close()

	registry := session.New(kvStore, "server-1")

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickClampMinMs = cfg.StreamTickClampMinMs
	schedCfg.TickClampMaxMs = cfg.StreamTickClampMaxMs
	schedCfg.DistanceEngine = cfg.StreamDistanceEngine
	bpCfg := backpressure.DefaultConfig()
	bpCfg.Enabled = cfg.StreamWSBackpressureEnabled
	bpCfg.WSMaxBytes = cfg.StreamWSBufferedMaxBytes
	bpCfg.TCPMaxBytes = cfg.StreamWSTCPMaxBytes
	bpCfg.PressureWindow = time.Duration(cfg.StreamWSPressureWindowMs) * time.Millisecond
	bpCfg.StrikesToPause = cfg.StreamWSPressureStrikesToPause
	schedCfg.Backpressure = bpCfg
	sched := scheduler.New(st, kvStore, registry, bus, schedCfg, log)

	// A device reconnecting drops its old socket handle before the new
	// one is bound; the stream must auto-pause rather than keep ticking
	// against a dead connection (resumed explicitly once the new socket
	// is live).
	registry.OnDrop(func(deviceID string) {
		_ = sched.Pause(context.Background(), deviceID)
	})

	hub := wsserver.NewHub(jwtSvc, registry, st, bus, wsserver.Config{}, log)

	orsClient := ors.New(ors.Config{
		BaseURL:               cfg.ORSAPIURL,
		APIKey:                cfg.ORSAPIKey,
		GeocodeTimeout:        10 * time.Second,
		DirectionsTimeout:     15 * time.Second,
		MultiWaypointTimeout:  30 * time.Second,
		GeocodeCacheTTL:       cfg.ORSGeocodingCacheTTL,
		RouteCacheTTL:         time.Hour,
	}, kvStore)

	metricsReg := metrics.New()

	safetyCfg := routesafety.DefaultConfig()
	safetyCfg.MaxSegmentMeters = cfg.RouteMaxSegmentMeters
	safetyCfg.MinTotalMeters = cfg.RouteMinTotalMeters

	srv := server.New(serverConfigFor(cfg))
	e := srv.Echo
	e.Validator = validation.New()
	if cfg.IsProduction() {
		server.ApplyProdMiddleware(e)
	} else {
		server.ApplyDevMiddleware(e)
	}
	e.Use(echo.WrapMiddleware(appmw.RequestIDMiddleware))
	e.Use(appmw.MetricsMiddleware(metricsReg))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	e.Use(appmw.LoginRateLimitMiddleware())
	e.Use(appmw.ActivateRateLimitMiddleware())
	e.Use(appmw.AddressesRateLimitMiddleware())
	e.Use(appmw.SlidingWindowMiddleware(kvStore, appmw.SlidingWindowConfig{
		Scope: "login", Max: int64(cfg.RateLimitLoginMax), Window: cfg.RateLimitIPWindow,
		KeyFunc: appmw.IPKeyFunc("login"),
		Skipper: func(c echo.Context) bool { return c.Path() != "/api/auth/login" },
	}))
	e.Use(appmw.SlidingWindowMiddleware(kvStore, appmw.SlidingWindowConfig{
		Scope: "activate", Max: int64(cfg.RateLimitActivateMax), Window: cfg.RateLimitIPWindow,
		KeyFunc: appmw.IPKeyFunc("activate"),
		Skipper: func(c echo.Context) bool { return c.Path() != "/api/devices/activate" },
	}))
	e.Use(appmw.AuthMiddleware(appmw.AuthMiddlewareConfig{JWTService: jwtSvc, Skipper: publicRouteSkipper}))
	e.Use(appmw.SlidingWindowMiddleware(kvStore, appmw.SlidingWindowConfig{
		Scope: "addresses", Max: int64(cfg.RateLimitAddresses), Window: cfg.RateLimitWindow,
		KeyFunc: appmw.UserKeyFunc("addresses"),
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p != "/api/routes/from-addresses" && p != "/api/routes/from-addresses-with-stops" && p != "/api/geocode/autocomplete"
		},
	}))

	control.Register(e, control.Deps{
		Store:       st,
		KV:          kvStore,
		Auth:        authSvc,
		JWT:         jwtSvc,
		Scheduler:   sched,
		ORS:         orsClient,
		Metrics:     metricsReg,
		RouteSafety: safetyCfg,
		SafetyOn:    cfg.RouteSafetyGate,
		Log:         log,
	})
	e.GET("/ws", echo.WrapHandler(hub))

	srv.Start(func(shutdownCtx context.Context) {
		log.Info("shutting down: flushing streams and closing connections")
		hub.Shutdown(shutdownCtx)
		sched.Shutdown(shutdownCtx)
	})
}

// publicRouteSkipper exempts the endpoints that authenticate
// themselves (login, device activation, the socket handshake) or
// carry no sensitive data (health, metrics).
func publicRouteSkipper(c echo.Context) bool {
	switch c.Path() {
	case "/health", "/metrics", "/ws", "/api/auth/login", "/api/devices/activate":
		return true
	default:
		return false
	}
}

func serverConfigFor(cfg config.Config) server.Config {
	if cfg.IsProduction() {
		c := server.DefaultProdConfig()
		c.Port = cfg.Port
		return c
	}
	c := server.DefaultDevConfig()
	c.Port = cfg.Port
	return c
}

func dbPath(databaseURL string) string {
	const prefix = "sqlite://"
	if len(databaseURL) > len(prefix) && databaseURL[:len(prefix)] == prefix {
		return databaseURL[len(prefix):]
	}
	return databaseURL
}

func openKV(cfg config.Config) (kv.Store, error) {
	if cfg.RedisURL == "" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(cfg.RedisURL)
}

// purgeStaleHotState enumerates and deletes stream:* keys left behind
// by a previous crashed process, so StatusOrHot never serves a
// hot-state projection for a stream nothing is driving anymore.
func purgeStaleHotState(ctx context.Context, kvStore kv.Store) error {
	keys, err := kvStore.Keys(ctx, "stream:*")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := kvStore.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func init() {
	if os.Getenv("TZ") == "" {
		os.Setenv("TZ", "UTC")
	}
}
