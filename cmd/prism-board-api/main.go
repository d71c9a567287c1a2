package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/config"
	"prism-board/realtime"
	"prism-board/storage"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeBackend()

	redisOpts, err := config.RedisOptions(cfg.RedisConnString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	store := storage.NewCache(backend, rc, cfg.CacheTTL)

	var publishers api.Publishers
	if !cfg.RealtimeViaQueue {
		publishers = append(publishers, realtime.NewPublisher(rc))
	}
	if cfg.NotificationsQueue != "" {
		notifier, err := storage.NewNotifier(cfg.StorageConnString, cfg.NotificationsQueue)
		if err != nil {
			log.Fatalf("notifications queue: %v", err)
		}
		publishers = append(publishers, notifier)
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx, rc)

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: originsOrAll(cfg.AllowedOrigins),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(echoprometheus.NewMiddleware("prism_board_api"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Config{
		Store:          store,
		Auth:           auth,
		Deduper:        api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Events:         publishers,
		Hub:            hub,
		Logger:         logger,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("card service started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}

func openBackend(ctx context.Context, cfg config.Server) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, nil, fmt.Errorf("create schema: %w", err)
			}
		}
		return pg, pg.Close, nil
	default:
		tables, err := storage.New(cfg.StorageConnString, cfg.CardsTable)
		if err != nil {
			return nil, nil, err
		}
		if cfg.EnsureSchema {
			if err := tables.EnsureTable(ctx); err != nil {
				return nil, nil, fmt.Errorf("create table: %w", err)
			}
		}
		return tables, func() {}, nil
	}
}

func newAuth(cfg config.Server) (*api.Auth, error) {
	authCfg := api.AuthConfig{
		Audience:           cfg.Auth0Audience,
		TestSecret:         cfg.TestJWTSecret,
		AllowAllWorkspaces: cfg.AllowAllWorkspaces,
		KeyCacheTTL:        cfg.JWKSCacheTTL,
	}
	if cfg.TestJWTSecret != "" {
		return api.NewAuth(nil, authCfg), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	authCfg.Issuer = "https://" + cfg.Auth0Domain + "/"
	return api.NewAuth(jwks, authCfg), nil
}

func originsOrAll(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
