package config

import (
	"runtime"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/tidepool/pkg/datasource"
	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/logger"
	"github.com/ajitpratap0/tidepool/pkg/pool"
	"github.com/ajitpratap0/tidepool/pkg/scheduler"
	"github.com/ajitpratap0/tidepool/pkg/stmtcache"
)

// Config is the root configuration.
type Config struct {
	// Logging configures the global zap logger
	Logging logger.Config `yaml:"logging" json:"logging" mapstructure:"logging"`

	// Scheduler configures the shared eviction scheduler
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`

	// Pool configures resource pools
	Pool PoolConfig `yaml:"pool" json:"pool" mapstructure:"pool"`

	// Database configures the managed connection pool
	Database DatabaseConfig `yaml:"database" json:"database" mapstructure:"database"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`

	// Tracing configures OpenTelemetry
	Tracing TracingConfig `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
}

// SchedulerConfig bounds the shared scheduler.
type SchedulerConfig struct {
	// MaxWorkers limits concurrently running sweeps (0 = min(NumCPU, 4))
	MaxWorkers int `yaml:"max_workers" json:"max_workers" mapstructure:"max_workers"`
}

// PoolConfig contains the settings of a resource pool.
type PoolConfig struct {
	// Capacity bounds the resources tracked by the pool (0 = unbounded)
	Capacity int `yaml:"capacity" json:"capacity" mapstructure:"capacity"`
	// EvictionDelay is the interval between background sweeps (0 = off)
	EvictionDelay time.Duration `yaml:"eviction_delay" json:"eviction_delay" mapstructure:"eviction_delay"`
	// Policy ranks entries for eviction (last_access_time, access_count, expiration)
	Policy string `yaml:"policy" json:"policy" mapstructure:"policy"`
	// AutoBalance evicts idle entries instead of refusing admissions when full
	AutoBalance bool `yaml:"auto_balance" json:"auto_balance" mapstructure:"auto_balance"`
	// BalanceFactor is the share of capacity freed by one balance
	BalanceFactor float64 `yaml:"balance_factor" json:"balance_factor" mapstructure:"balance_factor"`
	// MaxMemoryBytes bounds the measured size of all resources (0 = unbounded)
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes" mapstructure:"max_memory_bytes"`
	// LiveTime is the default lifetime of admitted resources (0 = unlimited)
	LiveTime time.Duration `yaml:"live_time" json:"live_time" mapstructure:"live_time"`
	// MaxIdleTime is the default idle limit of admitted resources (0 = unlimited)
	MaxIdleTime time.Duration `yaml:"max_idle_time" json:"max_idle_time" mapstructure:"max_idle_time"`
}

// DatabaseConfig contains the settings of a DataSource.
type DatabaseConfig struct {
	// Driver is the database/sql driver name (mysql, pgx)
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	// DSN is the data source name; use ${VAR} to keep secrets out of the file
	DSN string `yaml:"dsn" json:"-" mapstructure:"dsn"`
	// MaxOpen bounds open connections (0 = unbounded)
	MaxOpen int `yaml:"max_open" json:"max_open" mapstructure:"max_open"`
	// LiveTime bounds the lifetime of a pooled connection
	LiveTime time.Duration `yaml:"live_time" json:"live_time" mapstructure:"live_time"`
	// MaxIdleTime closes connections idle for longer
	MaxIdleTime time.Duration `yaml:"max_idle_time" json:"max_idle_time" mapstructure:"max_idle_time"`
	// EvictionDelay is the interval of the idle connection sweep
	EvictionDelay time.Duration `yaml:"eviction_delay" json:"eviction_delay" mapstructure:"eviction_delay"`
	// AcquireTimeout bounds waiting for a connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
	// PingOnAcquire validates idle connections before use
	PingOnAcquire bool `yaml:"ping_on_acquire" json:"ping_on_acquire" mapstructure:"ping_on_acquire"`
	// Statements configures the per-connection statement cache
	Statements StatementConfig `yaml:"statements" json:"statements" mapstructure:"statements"`
}

// StatementConfig contains the settings of a statement cache.
type StatementConfig struct {
	// Capacity bounds cached statements per connection
	Capacity int `yaml:"capacity" json:"capacity" mapstructure:"capacity"`
	// LiveTime bounds the lifetime of a cached statement
	LiveTime time.Duration `yaml:"live_time" json:"live_time" mapstructure:"live_time"`
	// MaxIdleTime drops statements unused for longer
	MaxIdleTime time.Duration `yaml:"max_idle_time" json:"max_idle_time" mapstructure:"max_idle_time"`
	// EvictionDelay is the sweep interval of each cache
	EvictionDelay time.Duration `yaml:"eviction_delay" json:"eviction_delay" mapstructure:"eviction_delay"`
	// Policy ranks statements for eviction when a cache is full
	Policy string `yaml:"policy" json:"policy" mapstructure:"policy"`
}

// MetricsConfig contains the Prometheus settings.
type MetricsConfig struct {
	// Enabled serves /metrics
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Address is the listen address of the metrics server
	Address string `yaml:"address" json:"address" mapstructure:"address"`
	// Namespace prefixes every metric name
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
}

// TracingConfig contains the OpenTelemetry settings.
type TracingConfig struct {
	// Enabled installs a tracer provider
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// ServiceName is reported as service.name
	ServiceName string `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
	// SamplingRate is the fraction of traces kept (0.0-1.0)
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" mapstructure:"sampling_rate"`
	// PrettyPrint indents exported spans
	PrettyPrint bool `yaml:"pretty_print" json:"pretty_print" mapstructure:"pretty_print"`
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	poolDefaults := pool.DefaultConfig()
	stmtDefaults := stmtcache.DefaultConfig()
	dsDefaults := datasource.DefaultConfig()

	return &Config{
		Logging: logger.Config{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout"},
		},
		Scheduler: SchedulerConfig{
			MaxWorkers: scheduler.DefaultMaxWorkers,
		},
		Pool: PoolConfig{
			Capacity:      poolDefaults.Capacity,
			EvictionDelay: poolDefaults.EvictionDelay,
			Policy:        poolDefaults.Policy.String(),
			BalanceFactor: poolDefaults.BalanceFactor,
			MaxIdleTime:   time.Minute,
		},
		Database: DatabaseConfig{
			Driver:         "mysql",
			MaxOpen:        dsDefaults.MaxOpen,
			LiveTime:       dsDefaults.LiveTime,
			MaxIdleTime:    dsDefaults.MaxIdleTime,
			EvictionDelay:  dsDefaults.EvictionDelay,
			AcquireTimeout: dsDefaults.AcquireTimeout,
			Statements: StatementConfig{
				Capacity:      stmtDefaults.Capacity,
				LiveTime:      stmtDefaults.LiveTime,
				MaxIdleTime:   stmtDefaults.MaxIdleTime,
				EvictionDelay: stmtDefaults.EvictionDelay,
				Policy:        stmtDefaults.Policy.String(),
			},
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "tidepool",
		},
		Tracing: TracingConfig{
			ServiceName:  "tidepool",
			SamplingRate: 0.1,
		},
	}
}

// Validate validates the configuration for correctness. Every failure is an
// ErrorTypeConfig error naming the offending key.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "logging.level")
	}
	if c.Logging.Encoding != "" && c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return errors.Newf(errors.ErrorTypeConfig, "logging.encoding must be json or console, got %q", c.Logging.Encoding)
	}
	if c.Scheduler.MaxWorkers < 0 {
		return errors.New(errors.ErrorTypeConfig, "scheduler.max_workers cannot be negative")
	}
	if _, err := c.Pool.ToPool(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "pool")
	}
	if c.Pool.LiveTime < 0 || c.Pool.MaxIdleTime < 0 {
		return errors.New(errors.ErrorTypeConfig, "pool.live_time and pool.max_idle_time cannot be negative")
	}
	if _, err := c.Database.ToDataSource(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "database")
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		return errors.New(errors.ErrorTypeConfig, "database.driver is required with a dsn")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New(errors.ErrorTypeConfig, "metrics.address is required when metrics are enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errors.Newf(errors.ErrorTypeConfig, "tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}

// ToPool converts the section into a validated pool.Config.
func (p PoolConfig) ToPool() (pool.Config, error) {
	policy, err := pool.ParsePolicy(p.Policy)
	if err != nil {
		return pool.Config{}, err
	}
	cfg := pool.Config{
		Capacity:      p.Capacity,
		EvictionDelay: p.EvictionDelay,
		Policy:        policy,
		AutoBalance:   p.AutoBalance,
		BalanceFactor: p.BalanceFactor,
		MaxMemorySize: p.MaxMemoryBytes,
	}
	return cfg, cfg.Validate()
}

// ToStatementCache converts the section into a stmtcache.Config.
func (s StatementConfig) ToStatementCache() (stmtcache.Config, error) {
	policy, err := pool.ParsePolicy(s.Policy)
	if err != nil {
		return stmtcache.Config{}, err
	}
	return stmtcache.Config{
		Capacity:      s.Capacity,
		LiveTime:      s.LiveTime,
		MaxIdleTime:   s.MaxIdleTime,
		EvictionDelay: s.EvictionDelay,
		Policy:        policy,
	}, nil
}

// ToDataSource converts the section into a validated datasource.Config.
func (d DatabaseConfig) ToDataSource() (datasource.Config, error) {
	stmts, err := d.Statements.ToStatementCache()
	if err != nil {
		return datasource.Config{}, err
	}
	cfg := datasource.Config{
		MaxOpen:        d.MaxOpen,
		LiveTime:       d.LiveTime,
		MaxIdleTime:    d.MaxIdleTime,
		EvictionDelay:  d.EvictionDelay,
		AcquireTimeout: d.AcquireTimeout,
		PingOnAcquire:  d.PingOnAcquire,
		Statements:     stmts,
	}
	return cfg, cfg.Validate()
}

// GetMaxWorkers returns the scheduler worker bound, defaulting when unset.
func (s SchedulerConfig) GetMaxWorkers() int {
	if s.MaxWorkers <= 0 {
		return min(runtime.NumCPU(), 4)
	}
	return s.MaxWorkers
}

// ToScheduler converts the section into a scheduler.Config.
func (s SchedulerConfig) ToScheduler() scheduler.Config {
	return scheduler.Config{MaxWorkers: s.GetMaxWorkers()}
}
