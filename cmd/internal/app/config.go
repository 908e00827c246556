package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES" envDefault:"65536"`

	// Per-user cap on create, respond and delete calls; negative disables.
	WriteRateEvents int           `env:"WRITE_RATE_EVENTS" envDefault:"30"`
	WriteRateWindow time.Duration `env:"WRITE_RATE_WINDOW" envDefault:"1m"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"ginvite"`

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	TokenSecret   string `env:"TOKEN_SECRET"`
	TokenIssuer   string `env:"TOKEN_ISSUER" envDefault:"ginvite"`
	TokenAudience string `env:"TOKEN_AUDIENCE"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"30s"`

	// Undelivered notices are forgotten after InboxTTL without new ones.
	InboxTTL      time.Duration `env:"INBOX_TTL" envDefault:"24h"`
	InboxMaxUsers int           `env:"INBOX_MAX_USERS" envDefault:"10000"`

	WSAllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	WSOriginRequired bool     `env:"WS_ORIGIN_REQUIRED" envDefault:"false"`

	// "group:user" pairs granted the bootstrap admin role at startup.
	BootstrapAdmins []string `env:"BOOTSTRAP_ADMINS" envSeparator:","`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`
}

// EnvPrefix is prepended to every configuration key.
const EnvPrefix = "GINVITE_"

// LoadConfig loads an optional dotenv file, then parses GINVITE_* variables.
// Variables already present in the environment win over the file.
// A missing envFile is not an error; an unreadable or malformed one is.
func LoadConfig(envFile string) (Config, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting that would prevent the server from starting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: GINVITE_HTTP_ADDR is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: GINVITE_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 {
		return errors.New("config: GINVITE_DB_MIN_CONNS and GINVITE_DB_MAX_CONNS must be >= 0")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return errors.New("config: GINVITE_DB_MIN_CONNS must not exceed GINVITE_DB_MAX_CONNS")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: GINVITE_MAX_BODY_BYTES must be > 0")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("config: GINVITE_RECONCILE_INTERVAL must be > 0")
	}
	if c.ReconcileGrace < 0 {
		return errors.New("config: GINVITE_RECONCILE_GRACE must be >= 0")
	}
	if c.InboxTTL <= 0 || c.InboxMaxUsers <= 0 {
		return errors.New("config: GINVITE_INBOX_TTL and GINVITE_INBOX_MAX_USERS must be > 0")
	}
	if _, err := parseBootstrapAdmins(c.BootstrapAdmins); err != nil {
		return err
	}
	return ValidateSecurityConfig(c)
}
