package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/config"
	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/student"
	"github.com/sims/sims/internal/domain/visit"
	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/cache"
	"github.com/sims/sims/internal/platform/db"
	"github.com/sims/sims/internal/platform/export"
	"github.com/sims/sims/internal/platform/identity"
	"github.com/sims/sims/internal/platform/middleware"
	"github.com/sims/sims/internal/platform/reporting"
	"github.com/sims/sims/internal/platform/sandbox"
	"github.com/sims/sims/internal/platform/telemetry"
	"github.com/sims/sims/internal/platform/websocket"
)

const (
	requestTimeout = 30 * time.Second
	exportTimeout  = 2 * time.Minute
	shutdownGrace  = 10 * time.Second
)

// newCache picks Redis when REDIS_URL is set and an in-process map otherwise.
// The returned close func is never nil.
func newCache(ctx context.Context, redisURL string, logger zerolog.Logger) (cache.Provider, func(), error) {
	if redisURL == "" {
		logger.Info().Msg("medication cache: in-memory")
		return cache.NewMemory(), func() {}, nil
	}
	r, err := cache.NewRedis(ctx, redisURL, "sims")
	if err != nil {
		return nil, func() {}, err
	}
	logger.Info().Msg("medication cache: redis")
	return r, func() { _ = r.Close() }, nil
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = newLogger(cfg.Env)

	ctx := context.Background()

	// Telemetry
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "sims-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTELEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Cache
	listCache, closeCache, err := newCache(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeCache()

	e := newEcho(cfg, logger, tel)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	api := e.Group("/api")
	api.Use(middleware.RequestTimeout(requestTimeout, exportTimeout))
	api.Use(db.SchoolMiddleware(pool, cfg.DefaultSchool, auth.AuthSkipper))
	api.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))

	// Domain services
	tx := db.NewTransactor(pool)

	hub := websocket.NewHub(logger)
	websocket.NewHandler(hub).RegisterRoutes(api)

	medSvc := medication.NewService(medication.NewRepoPG(pool), tx, logger)
	medSvc.SetCache(listCache, cfg.MedicationCacheTTL)
	medSvc.SetRecorder(tel)
	medSvc.SetNotifier(hub)
	medication.NewHandler(medSvc).RegisterRoutes(api)

	visitSvc := visit.NewService(visit.NewRepoPG(pool), medSvc, tx, logger)
	visitSvc.SetNotifier(hub)
	visit.NewHandler(visitSvc).RegisterRoutes(api)
	export.NewHandler(visitSvc, logger).RegisterRoutes(api)

	studentSvc := student.NewService(
		student.NewStudentRepoPG(pool),
		student.NewLookupRepoPG(pool),
		student.NewMedicalHistoryRepoPG(pool),
		tx,
	)
	student.NewHandler(studentSvc).RegisterRoutes(api)

	reporting.NewHandler(pool).RegisterRoutes(api)

	if idCfg, ok := identityConfig(cfg); ok {
		identity.NewHandler(identity.NewClient(idCfg, logger)).RegisterRoutes(api)
		logger.Info().Str("admin_url", idCfg.AdminURL).Msg("user management enabled")
	}

	seeder := sandbox.NewSeeder(studentSvc, medSvc, logger)
	sandbox.NewSeedHandler(seeder, cfg.DemoMode).RegisterRoutes(api)
	if cfg.DemoMode {
		logger.Warn().Msg("DEMO_MODE is on: POST /api/demo/seed is available to admins")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain. School
// resolution and auditing are added on the /api group.
func newEcho(cfg *config.Config, logger zerolog.Logger, tel *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	if tel != nil {
		e.Use(tel.TracingMiddleware())
		e.Use(tel.MetricsMiddleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", db.SchoolHeader},
		ExposeHeaders: []string{echo.HeaderContentDisposition},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			ClientID: cfg.AuthClientID,
			Skipper:  auth.AuthSkipper,
		}))
	}
	return e
}
