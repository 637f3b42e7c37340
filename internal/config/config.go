package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	AllowedOrigin     string        `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	MigrateOnStart    bool          `envconfig:"MIGRATE_ON_START" default:"true"`
	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	ReportCacheTTL    time.Duration `envconfig:"REPORT_CACHE_TTL" default:"60s"`
	AuthSecret        string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL    time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	ManagerPIN        string        `envconfig:"MANAGER_PIN"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"text"`
	SaleRetryAttempts int           `envconfig:"SALE_RETRY_ATTEMPTS" default:"3"`
}

// Load reads the process environment. Secrets are never defaulted; the
// server refuses to start without them.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if cfg.ReportCacheTTL <= 0 {
		cfg.ReportCacheTTL = 60 * time.Second
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 8 * time.Hour
	}
	if cfg.SaleRetryAttempts < 1 {
		cfg.SaleRetryAttempts = 1
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger builds the process logger; LOG_FORMAT=json switches to JSON
// output.
func NewLogger(c Config) *slog.Logger {
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
