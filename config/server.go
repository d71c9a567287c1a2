package config

import (
	"errors"
	"fmt"
	"time"

	"prism-board/board"
)

// Store backends.
const (
	BackendTables   = "tables"
	BackendPostgres = "postgres"
)

// Server holds the settings of the card service.
type Server struct {
	Debug      bool
	ListenAddr string

	Backend            string
	StorageConnString  string
	CardsTable         string
	NotificationsQueue string
	// RealtimeViaQueue leaves realtime fan-out to board-relay instead of
	// publishing on Redis from the request path.
	RealtimeViaQueue bool
	PostgresDSN        string
	EnsureSchema       bool

	RedisConnString string
	CacheTTL        time.Duration
	DeduperTTL      time.Duration

	Auth0Domain        string
	Auth0Audience      string
	TestJWTSecret      string
	AllowAllWorkspaces bool
	JWKSCacheTTL       time.Duration

	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

// LoadServer reads the card service configuration from the environment.
func LoadServer() (Server, error) {
	cfg := Server{
		Debug:              envBool("DEBUG"),
		ListenAddr:         ":" + envString("PORT", envString("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")),
		Backend:            envString("STORE_BACKEND", BackendTables),
		StorageConnString:  envString("STORAGE_CONNECTION_STRING", ""),
		CardsTable:         envString("CARDS_TABLE", "cards"),
		NotificationsQueue: envString("NOTIFICATIONS_QUEUE", ""),
		RealtimeViaQueue:   envBool("REALTIME_VIA_QUEUE"),
		PostgresDSN:        envString("POSTGRES_DSN", ""),
		EnsureSchema:       envBool("STORAGE_INIT"),
		RedisConnString:    envString("REDIS_CONNECTION_STRING", ""),
		Auth0Domain:        envString("AUTH0_DOMAIN", ""),
		Auth0Audience:      envString("AUTH0_AUDIENCE", ""),
		AllowAllWorkspaces: envBool("ALLOW_ALL_WORKSPACES"),
		AllowedOrigins:     envList("ALLOWED_ORIGINS"),
	}
	if envString("AUTH0_TEST_MODE", "") == "1" {
		cfg.TestJWTSecret = envString("TEST_JWT_SECRET", "")
		if cfg.TestJWTSecret == "" {
			return Server{}, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	}

	var err error
	if cfg.CacheTTL, err = envDur("CARDS_CACHE_TTL", 30*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.DeduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return Server{}, err
	}
	if cfg.JWKSCacheTTL, err = envDur("JWKS_CACHE_TTL", 15*time.Minute); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit, err = envFloat("RATE_LIMIT_RPS", 20); err != nil {
		return Server{}, err
	}
	if cfg.RateBurst, err = envInt("RATE_LIMIT_BURST", 40); err != nil {
		return Server{}, err
	}
	return cfg, cfg.validate()
}

func (c Server) validate() error {
	switch c.Backend {
	case BackendTables:
		if c.StorageConnString == "" {
			return errors.New("missing storage config: STORAGE_CONNECTION_STRING")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("missing storage config: POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Backend)
	}
	if c.NotificationsQueue != "" && c.StorageConnString == "" {
		return errors.New("NOTIFICATIONS_QUEUE needs STORAGE_CONNECTION_STRING")
	}
	if c.RealtimeViaQueue && c.NotificationsQueue == "" {
		return errors.New("REALTIME_VIA_QUEUE needs NOTIFICATIONS_QUEUE")
	}
	if c.RedisConnString == "" {
		return errors.New("missing redis config")
	}
	if c.TestJWTSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// Dispatcher reads worker pool overrides for board clients.
func Dispatcher() (board.DispatcherConfig, error) {
	cfg := board.DefaultDispatcherConfig()
	var err error
	if cfg.Workers, err = envInt("BOARD_WORKERS", cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.Buffer, err = envInt("BOARD_BUFFER", cfg.Buffer); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = envInt("BOARD_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.HandoffTimeout, err = envDur("BOARD_HANDOFF_TIMEOUT", cfg.HandoffTimeout); err != nil {
		return cfg, err
	}
	if cfg.CallTimeout, err = envDur("BOARD_CALL_TIMEOUT", cfg.CallTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Relay holds the settings of board-relay.
type Relay struct {
	Debug              bool
	StorageConnString  string
	NotificationsQueue string
	RedisConnString    string
	IdleWait           time.Duration
	MaxDeliveries      int
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() (Relay, error) {
	cfg := Relay{
		Debug:              envBool("DEBUG"),
		StorageConnString:  envString("STORAGE_CONNECTION_STRING", ""),
		NotificationsQueue: envString("NOTIFICATIONS_QUEUE", ""),
		RedisConnString:    envString("REDIS_CONNECTION_STRING", ""),
	}
	if cfg.StorageConnString == "" || cfg.NotificationsQueue == "" {
		return Relay{}, errors.New("missing queue config: STORAGE_CONNECTION_STRING and NOTIFICATIONS_QUEUE")
	}
	if cfg.RedisConnString == "" {
		return Relay{}, errors.New("missing redis config")
	}
	var err error
	if cfg.IdleWait, err = envDur("RELAY_IDLE_WAIT", time.Second); err != nil {
		return Relay{}, err
	}
	if cfg.MaxDeliveries, err = envInt("RELAY_MAX_DELIVERIES", 5); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}
