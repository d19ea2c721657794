package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds both the server settings (serve, migrate, token) and the
// console client settings (console, roster).
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFile receives console logs; the console owns the terminal.
	LogFile string `mapstructure:"LOG_FILE"`

	// Server
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	UploadLimit    string        `mapstructure:"UPLOAD_LIMIT"`
	BlobDir        string        `mapstructure:"BLOB_DIR"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	ServerTimeout  time.Duration `mapstructure:"SERVER_TIMEOUT"`

	// Client
	APIBaseURL      string        `mapstructure:"API_BASE_URL"`
	SocketURL       string        `mapstructure:"SOCKET_URL"`
	AdminID         string        `mapstructure:"ADMIN_ID"`
	AdminRole       string        `mapstructure:"ADMIN_ROLE"`
	AuthToken       string        `mapstructure:"AUTH_TOKEN"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TypingDebounce  time.Duration `mapstructure:"TYPING_DEBOUNCE"`
	ReconnectMin    time.Duration `mapstructure:"RECONNECT_MIN"`
	ReconnectMax    time.Duration `mapstructure:"RECONNECT_MAX"`
	MarkSeenRetries uint64        `mapstructure:"MARK_SEEN_RETRIES"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "LOG_FILE",
	"PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS", "UPLOAD_LIMIT", "BLOB_DIR",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SERVER_TIMEOUT",
	"API_BASE_URL", "SOCKET_URL", "ADMIN_ID", "ADMIN_ROLE", "AUTH_TOKEN",
	"REQUEST_TIMEOUT", "TYPING_DEBOUNCE", "RECONNECT_MIN", "RECONNECT_MAX", "MARK_SEEN_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_ISSUER", "adminchat")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("UPLOAD_LIMIT", "20M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("SERVER_TIMEOUT", "30s")
	v.SetDefault("API_BASE_URL", "http://localhost:8000")
	v.SetDefault("ADMIN_ID", "admin")
	v.SetDefault("ADMIN_ROLE", "admin")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("TYPING_DEBOUNCE", "2s")
	v.SetDefault("RECONNECT_MIN", "500ms")
	v.SetDefault("RECONNECT_MAX", "30s")
	v.SetDefault("MARK_SEEN_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = DeriveSocketURL(cfg.APIBaseURL)
	}

	return cfg, nil
}

// DeriveSocketURL maps an http(s) API base to the ws(s) socket endpoint.
func DeriveSocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if base == "" {
		return ""
	}
	return base + "/socket"
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether the server runs without token verification: every
// request acts as ADMIN_ID. Only allowed outside production.
func (c *Config) DevAuth() bool {
	return c.AuthSigningKey == "" && !c.IsProduction()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("ENV must be \"development\", \"test\" or \"production\", got %q", c.Env)
	}
	if c.IsProduction() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and not exceed RECONNECT_MAX")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	switch strings.ToLower(c.AdminRole) {
	case "admin", "doctor":
	default:
		return fmt.Errorf("ADMIN_ROLE must be \"admin\" or \"doctor\", got %q", c.AdminRole)
	}
	return nil
}
