// Package server assembles the reference chat backend: repositories,
// presence, blob storage, the socket hub and the HTTP routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medrx/adminchat/internal/config"
	"github.com/medrx/adminchat/internal/domain/chat"
	"github.com/medrx/adminchat/internal/platform/auth"
	"github.com/medrx/adminchat/internal/platform/blobstore"
	"github.com/medrx/adminchat/internal/platform/db"
	"github.com/medrx/adminchat/internal/platform/middleware"
	"github.com/medrx/adminchat/internal/platform/presence"
	"github.com/medrx/adminchat/internal/platform/websocket"
)

const presenceTTL = 2 * time.Minute

// Server is a wired backend ready to serve.
type Server struct {
	Echo  *echo.Echo
	Hub   *websocket.Hub
	Chat  *chat.Service
	Blobs blobstore.Store

	log     zerolog.Logger
	closers []func()
}

// New builds the backend. Postgres is used when DATABASE_URL is set and
// Redis presence when REDIS_URL is set; otherwise both live in memory.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{log: logger}
	var checks []db.Check

	// Repositories
	doctors, messages, sessions := chat.NewDoctorRepoMemory(), chat.NewMessageRepoMemory(), chat.NewSessionRepoMemory()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		checks = append(checks, db.PoolCheck(pool))
		doctors, messages, sessions = chat.NewDoctorRepoPG(pool), chat.NewMessageRepoPG(pool), chat.NewSessionRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, messages are kept in memory")
	}

	// Presence
	var store presence.Store = presence.NewMemory()
	if cfg.RedisURL != "" {
		client, err := presence.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		checks = append(checks, redisCheck(client))
		store = presence.NewRedis(client, "adminchat", presenceTTL)
		logger.Info().Msg("presence backed by redis")
	}

	// Blob storage
	uploadLimit := middleware.ParseLimit(cfg.UploadLimit)
	s.Blobs = blobstore.NewInMemoryBlobStore(uploadLimit)
	if cfg.BlobDir != "" {
		dir, err := blobstore.NewDirBlobStore(cfg.BlobDir, uploadLimit)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open blob dir: %w", err)
		}
		s.Blobs = dir
	}

	s.Hub = websocket.NewHub(store, logger)
	s.Chat = chat.NewService(doctors, messages, sessions, s.Blobs, s.Hub, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(cfg.ServerTimeout))

	// Auth middleware
	if cfg.DevAuth() {
		logger.Warn().Str("admin", cfg.AdminID).Msg("AUTH_SIGNING_KEY not set, every request acts as the dev admin")
		e.Use(auth.DevAuthMiddleware(cfg.AdminID))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/healthz", db.HealthHandler(checks...))
	websocket.NewHandler(s.Hub, cfg.CORSOrigins, logger).RegisterRoutes(e.Group(""))

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api", middleware.RateLimit(rateLimitCfg))
	chat.NewHandler(s.Chat).RegisterRoutes(api)
	blobstore.NewBlobHandler(s.Blobs).RegisterRoutes(api)

	s.Echo = e
	return s, nil
}

func redisCheck(client *redis.Client) db.Check {
	return db.Check{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }}
}

// Migrate applies the embedded chat schema.
func Migrate(ctx context.Context, cfg *config.Config, schema string) (int, error) {
	if cfg.DatabaseURL == "" {
		return 0, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return 0, err
	}
	defer pool.Close()
	return db.NewMigrator(pool, chat.Migrations, chat.MigrationsDir).Up(ctx, schema)
}

// ServeHTTP lets the server run inside httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Echo.ServeHTTP(w, r)
}

// Close releases the database pool and the redis client.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
