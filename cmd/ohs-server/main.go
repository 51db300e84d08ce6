package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/occhealth/ohs/internal/config"
	"github.com/occhealth/ohs/internal/domain/surveillance"
	"github.com/occhealth/ohs/internal/platform/auth"
	"github.com/occhealth/ohs/internal/platform/cache"
	"github.com/occhealth/ohs/internal/platform/db"
	"github.com/occhealth/ohs/internal/platform/metrics"
	"github.com/occhealth/ohs/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ohs-server",
		Short:        "Occupational health surveillance record API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(allocateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the surveillance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(parseLevel(level))
}

// parseLevel falls back to info for unknown or empty levels.
func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	pc := db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: appName,
	}
	if cfg.DBSchema != "" && cfg.DBSchema != "public" {
		pc.SearchPath = cfg.DBSchema
	}
	return db.NewPool(ctx, pc)
}

// newCoordinator wires the Postgres-backed write path.
func newCoordinator(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, m *metrics.Collector, store cache.Store) *surveillance.Coordinator {
	repo := surveillance.NewRepo(pool)
	alloc := surveillance.NewAllocator(repo, nil, cfg.ProbeLimit, logger)
	alloc.SetMetrics(m)

	coord := surveillance.NewCoordinator(repo, db.NewTxManager(pool), alloc, surveillance.CoordinatorConfig{
		MaxInsertAttempts:   cfg.MaxInsertAttempts,
		SerializeAllocation: cfg.SerializeAllocation,
		CacheTTL:            cfg.EpisodeCacheTTL,
	}, logger)
	coord.SetMetrics(m)
	if store != nil {
		coord.SetCache(store)
	}
	return coord
}

// episodeCache picks Redis when REDIS_URL is configured and an in-process
// store otherwise. The returned func releases its resources.
func episodeCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, func(), error) {
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("episode cache: redis")
		return cache.NewRedis(client, "ohs:"), func() { client.Close() }, nil
	}

	mem := cache.NewMemory()
	cleanupCtx, cancel := context.WithCancel(ctx)
	mem.StartCleanup(cleanupCtx, time.Minute)
	logger.Info().Msg("episode cache: in-memory")
	return mem, cancel, nil
}

// newEcho builds the server with global middleware and the unauthenticated
// operational endpoints.
func newEcho(cfg *config.Config, logger zerolog.Logger, m *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.Secure())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if cfg.RateLimitRPS > 0 {
		e.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return isOperationalPath(c.Request().URL.Path) },
			Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitRPS),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	return e
}

func isOperationalPath(path string) bool {
	return path == "/metrics" || path == "/health" || path == "/health/db"
}

// apiAuth returns the authentication middleware for the /api/v1 group.
func apiAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

// apiGroup audits ahead of authentication so rejected requests are recorded.
func apiGroup(e *echo.Echo, cfg *config.Config, logger zerolog.Logger) *echo.Group {
	return e.Group("/api/v1", middleware.Audit(logger), apiAuth(cfg))
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"), "info")
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: every request runs as an admin")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg, "ohs-server")
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	store, closeCache, err := episodeCache(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to cache")
		return err
	}
	defer closeCache()

	m := metrics.NewCollector("ohs")
	coord := newCoordinator(pool, cfg, logger, m, store)

	e := newEcho(cfg, logger, m)
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	surveillance.NewHandler(coord).RegisterRoutes(apiGroup(e, cfg, logger))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
