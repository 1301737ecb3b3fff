package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3010"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database  DatabaseConfig
	Locks     LockConfig
	Branches  BranchConfig
	Diff      DiffConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	IPAM      IPAMConfig
	Otel      OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"300s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig holds connection settings for Postgres or the embedded sqlite store
type DatabaseConfig struct {
	Driver       string        `env:"DATABASE_DRIVER" envDefault:"postgres"`
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"branchgraph"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"branchgraph"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"branchgraph.db"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// IsSQLite reports whether the embedded store is selected
func (d *DatabaseConfig) IsSQLite() bool {
	return d.Driver == DriverSQLite
}

// LockConfig holds lock registry settings
type LockConfig struct {
	// Backend: "database" (cluster-wide leases) or "local" (single process)
	Backend string `env:"LOCK_BACKEND" envDefault:"database"`
	// Timeout bounds how long an acquisition may wait before failing with lock_timeout
	Timeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"60s"`
	// LeaseTTL is how long a lease survives without keepalive (crashed holders)
	LeaseTTL time.Duration `env:"LOCK_LEASE_TTL" envDefault:"30s"`
	// PollInterval is the initial retry interval while a lock is held elsewhere
	PollInterval time.Duration `env:"LOCK_POLL_INTERVAL" envDefault:"50ms"`
}

// BranchConfig names the trunk and the global branch
type BranchConfig struct {
	DefaultBranch string `env:"DEFAULT_BRANCH" envDefault:"main"`
	GlobalBranch  string `env:"GLOBAL_BRANCH" envDefault:"-global-"`
}

// DiffConfig holds diff coordinator settings
type DiffConfig struct {
	CacheSize       int           `env:"DIFF_CACHE_SIZE" envDefault:"256"`
	RefreshInterval time.Duration `env:"DIFF_REFRESH_INTERVAL" envDefault:"5m"`
}

// WorkerConfig holds the workflow job worker settings
type WorkerConfig struct {
	Enabled      bool          `env:"WORKER_ENABLED" envDefault:"true"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"5"`
	MaxAttempts  int           `env:"WORKER_MAX_ATTEMPTS" envDefault:"3"`
}

// SchedulerConfig holds scheduled task settings
type SchedulerConfig struct {
	Enabled              bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	LockReapInterval     time.Duration `env:"SCHEDULER_LOCK_REAP_INTERVAL" envDefault:"1m"`
	StaleJobInterval     time.Duration `env:"SCHEDULER_STALE_JOB_INTERVAL" envDefault:"10m"`
	StaleJobMinutes      int           `env:"SCHEDULER_STALE_JOB_MINUTES" envDefault:"30"`
	DiffRefreshOnStartup bool          `env:"SCHEDULER_DIFF_REFRESH_ON_STARTUP" envDefault:"false"`
}

// IPAMConfig names the generics identifying IP prefix and address kinds
type IPAMConfig struct {
	PrefixGeneric    string `env:"IPAM_PREFIX_GENERIC" envDefault:"BuiltinIPPrefix"`
	AddressGeneric   string `env:"IPAM_ADDRESS_GENERIC" envDefault:"BuiltinIPAddress"`
	PrefixAttribute  string `env:"IPAM_PREFIX_ATTRIBUTE" envDefault:"prefix"`
	AddressAttribute string `env:"IPAM_ADDRESS_ATTRIBUTE" envDefault:"address"`
	NamespaceRel     string `env:"IPAM_NAMESPACE_RELATIONSHIP" envDefault:"ip_namespace"`
	ParentRel        string `env:"IPAM_PARENT_RELATIONSHIP" envDefault:"parent"`
	AddressParentRel string `env:"IPAM_ADDRESS_PARENT_RELATIONSHIP" envDefault:"ip_prefix"`
}

// Load parses the environment without logging (CLI and tests)
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Database.Driver != DriverPostgres && cfg.Database.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}
	return cfg, nil
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_driver", cfg.Database.Driver),
		slog.String("lock_backend", cfg.Locks.Backend),
		slog.String("default_branch", cfg.Branches.DefaultBranch),
	)

	return cfg, nil
}
