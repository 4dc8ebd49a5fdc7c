package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`

	// Reservation lock configuration
	Lock LockConfig `env:",prefix=LOCK_"`

	// Redis configuration, used by the redis lock backend
	Redis RedisConfig `env:",prefix=REDIS_"`

	// Outgoing mail configuration
	Mail MailConfig `env:",prefix=MAIL_"`

	// Daily job configuration
	Schedule ScheduleConfig `env:",prefix=SCHEDULE_"`

	// Tracing configuration
	Tracing TracingConfig `env:",prefix=TRACING_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string   `env:"PORT,default=8080"`
	Host         string   `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int      `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int      `env:"WRITE_TIMEOUT,default=30"` // seconds
	CORSOrigins  []string `env:"CORS_ORIGINS,default=*"`
}

// DatabaseConfig holds database configuration. Driver is "postgres" or "sqlite3".
type DatabaseConfig struct {
	Driver     string `env:"DRIVER,default=postgres"`
	Host       string `env:"HOST,default=localhost"`
	Port       string `env:"PORT,default=5432"`
	User       string `env:"USER,default=postgres"`
	Password   string `env:"PASSWORD,default=postgres"`
	Name       string `env:"NAME,default=giftcard"`
	SSLMode    string `env:"SSL_MODE,default=disable"`
	SQLitePath string `env:"SQLITE_PATH,default=giftcard.db"`
	MaxConns   int    `env:"MAX_CONNS,default=25"`
	MinConns   int    `env:"MIN_CONNS,default=5"`
	Migrate    bool   `env:"MIGRATE,default=true"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
	CatalogPath string `env:"CATALOG_PATH,default=catalog.yaml"`
	// SweepRate caps participant evaluations per second during a sweep
	SweepRate float64 `env:"SWEEP_RATE,default=20"`
}

// LockConfig selects the reservation lock backend: memory, postgres or redis
type LockConfig struct {
	Backend string        `env:"BACKEND,default=postgres"`
	Timeout time.Duration `env:"TIMEOUT,default=5s"`
	TTL     time.Duration `env:"TTL,default=30s"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `env:"ADDR,default=localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB,default=0"`
}

// MailConfig holds SMTP settings. An empty host logs mail instead of sending it.
type MailConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT,default=587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM,default=rewards@localhost"`
}

// ScheduleConfig holds the local hours at which daily jobs run. A negative hour disables the job.
type ScheduleConfig struct {
	SweepHour   int    `env:"SWEEP_HOUR,default=2"`
	SummaryHour int    `env:"SUMMARY_HOUR,default=7"`
	Timezone    string `env:"TIMEZONE,default=UTC"`
}

// TracingConfig holds OpenTelemetry exporter settings. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `env:"ENDPOINT"`
	Insecure    bool    `env:"INSECURE,default=true"`
	SampleRatio float64 `env:"SAMPLE_RATIO,default=1"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate reports settings envconfig accepts but the service cannot run with
func (c *Config) validate() error {
	cfgErr := &model.ConfigurationError{Scope: "environment config"}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("SCHEDULE_TIMEZONE %q: %v", c.Schedule.Timezone, err))
	}
	if len(cfgErr.Problems) > 0 {
		return cfgErr
	}
	return nil
}

// GetDatabaseURL returns the connection string for the configured driver
func (c *DatabaseConfig) GetDatabaseURL() string {
	if c.IsSQLite() {
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", c.SQLitePath)
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// IsSQLite reports whether the sqlite3 driver is configured
func (c *DatabaseConfig) IsSQLite() bool {
	return c.Driver == "sqlite3" || c.Driver == "sqlite"
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Location returns the configured schedule time zone. Load rejects unknown zones; UTC is the fallback
// for configs built without it.
func (c *ScheduleConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Level returns the configured log level, forced to debug when Debug is set
func (c *AppConfig) Level() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
