// Package config handles loading and validating the token pool configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/poc-token-pooling/internal/errs"
	"github.com/joao-brasil/poc-token-pooling/pkg/endpoint"
)

// Rotation strategies.
const (
	StrategyPerConnection = "per_connection"
	StrategyScheduled     = "scheduled"
)

// Supported drivers.
const (
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
)

// PoolConfig holds the pool sizing and timeout configuration.
type PoolConfig struct {
	MaxSize                int           `yaml:"max_size"`
	MinIdle                int           `yaml:"min_idle"`
	ConnectionTimeout      time.Duration `yaml:"connection_timeout"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxLifetime            time.Duration `yaml:"max_lifetime"`
	LeakDetectionThreshold time.Duration `yaml:"leak_detection_threshold"`
	ValidationQuery        string        `yaml:"validation_query"`
	ValidationTimeout      time.Duration `yaml:"validation_timeout"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval"`
	// SchemaInitStatement runs on every new connection of a non-admin principal.
	SchemaInitStatement string `yaml:"schema_init_statement"`
}

// TokenConfig controls token issuance on the connection path.
type TokenConfig struct {
	IssueTimeout time.Duration `yaml:"issue_timeout"`
	IssueRetries int           `yaml:"issue_retries"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// RotationConfig selects how credentials are refreshed.
type RotationConfig struct {
	Strategy string `yaml:"strategy"`
	// Period between scheduled rotations; zero means two thirds of the token TTL.
	Period       time.Duration `yaml:"period"`
	Jitter       time.Duration `yaml:"jitter"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// LeaseTTL bounds how long one instance may hold the fleet rotation lease.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// LeaseWait is how long to wait for a peer's lease before rotating anyway.
	LeaseWait time.Duration `yaml:"lease_wait"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds the process-level settings.
type ServerConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// Config is the root configuration structure.
type Config struct {
	Cluster  endpoint.Endpoint `yaml:"cluster"`
	Driver   string            `yaml:"driver"`
	Pool     PoolConfig        `yaml:"pool"`
	Token    TokenConfig       `yaml:"token"`
	Rotation RotationConfig    `yaml:"rotation"`
	Redis    RedisConfig       `yaml:"redis"`
	Fallback FallbackConfig    `yaml:"fallback"`
	Server   ServerConfig      `yaml:"server"`
}

// LookupFunc reads an environment variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads and parses the configuration file, applies environment overrides
// through lookup (nil skips them), validates and fills defaults.
func Load(path string, lookup LookupFunc) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data, lookup)
}

// Parse is Load for an in-memory document.
func Parse(data []byte, lookup LookupFunc) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := cfg.Cluster.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", &errs.ConfigError{Field: "cluster", Message: err.Error()})
	}
	cfg.Cluster = resolved

	return &cfg, nil
}

// ApplyEnv overrides the cluster settings from the environment:
// CLUSTER_ENDPOINT (hostname, cluster ID or postgres:// connection string),
// CLUSTER_USER, and REGION falling back to AWS_REGION.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if v, ok := lookup("CLUSTER_ENDPOINT"); ok && v != "" {
		if strings.Contains(v, "://") {
			e, err := endpoint.Parse(v)
			if err != nil {
				return &errs.ConfigError{Field: "CLUSTER_ENDPOINT", Message: err.Error()}
			}
			c.Cluster = mergeEndpoint(c.Cluster, e)
		} else {
			c.Cluster.Host = v
		}
	}
	if v, ok := lookup("CLUSTER_USER"); ok && v != "" {
		c.Cluster.User = v
	}
	if v, ok := lookup("REGION"); ok && v != "" {
		c.Cluster.Region = v
	} else if v, ok := lookup("AWS_REGION"); ok && v != "" && c.Cluster.Region == "" {
		c.Cluster.Region = v
	}
	return nil
}

// mergeEndpoint lays the non-zero fields of override over base.
func mergeEndpoint(base, override endpoint.Endpoint) endpoint.Endpoint {
	base.Host = override.Host
	if override.Port != 0 {
		base.Port = override.Port
	}
	if override.Region != "" {
		base.Region = override.Region
	}
	if override.Database != "" {
		base.Database = override.Database
	}
	if override.User != "" {
		base.User = override.User
	}
	if override.Profile != "" {
		base.Profile = override.Profile
	}
	if override.TokenTTL != 0 {
		base.TokenTTL = override.TokenTTL
	}
	return base
}

// TokenTTL returns the validity requested for each token.
func (c *Config) TokenTTL() time.Duration {
	if c.Cluster.TokenTTL > 0 {
		return c.Cluster.TokenTTL
	}
	return defaultTokenTTL
}

// RotationPeriod returns the scheduled rotation period.
func (c *Config) RotationPeriod() time.Duration {
	if c.Rotation.Period > 0 {
		return c.Rotation.Period
	}
	return c.TokenTTL() * 2 / 3
}

const defaultTokenTTL = 15 * time.Minute

// validate checks mandatory fields and the relations between them.
func (c *Config) validate() error {
	if c.Cluster.Host == "" {
		return &errs.ConfigError{Field: "cluster.host", Message: "is required"}
	}
	switch c.Driver {
	case DriverPostgres, DriverSQLServer:
	default:
		return &errs.ConfigError{Field: "driver", Message: fmt.Sprintf("unsupported driver %q", c.Driver)}
	}
	if c.Pool.MaxSize <= 0 {
		return &errs.ConfigError{Field: "pool.max_size", Message: "must be greater than zero"}
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxSize {
		return &errs.ConfigError{Field: "pool.min_idle", Message: fmt.Sprintf("must be between 0 and max_size (%d)", c.Pool.MaxSize)}
	}
	ttl := c.TokenTTL()
	if c.Pool.MaxLifetime >= ttl {
		return &errs.ConfigError{Field: "pool.max_lifetime", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.Pool.MaxLifetime, ttl)}
	}
	if c.Pool.IdleTimeout >= ttl {
		return &errs.ConfigError{Field: "pool.idle_timeout", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.Pool.IdleTimeout, ttl)}
	}
	switch c.Rotation.Strategy {
	case StrategyPerConnection, StrategyScheduled:
	default:
		return &errs.ConfigError{Field: "rotation.strategy", Message: fmt.Sprintf("unsupported strategy %q", c.Rotation.Strategy)}
	}
	if c.Rotation.Strategy == StrategyScheduled && c.RotationPeriod() >= ttl {
		return &errs.ConfigError{Field: "rotation.period", Message: fmt.Sprintf("%s must be shorter than the token TTL %s", c.RotationPeriod(), ttl)}
	}
	if c.Token.IssueRetries < 0 {
		return &errs.ConfigError{Field: "token.issue_retries", Message: "must not be negative"}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 10
	}
	if c.Pool.ConnectionTimeout == 0 {
		c.Pool.ConnectionTimeout = 30 * time.Second
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = min(5*time.Minute, c.TokenTTL()/2)
	}
	if c.Pool.MaxLifetime == 0 {
		c.Pool.MaxLifetime = c.TokenTTL() * 2 / 3
	}
	if c.Pool.ValidationQuery == "" {
		c.Pool.ValidationQuery = "SELECT 1"
	}
	if c.Pool.ValidationTimeout == 0 {
		c.Pool.ValidationTimeout = 5 * time.Second
	}
	if c.Pool.MaintenanceInterval == 0 {
		c.Pool.MaintenanceInterval = 30 * time.Second
	}
	if c.Token.IssueTimeout == 0 {
		c.Token.IssueTimeout = 5 * time.Second
	}
	if c.Token.IssueRetries == 0 {
		c.Token.IssueRetries = 2
	}
	if c.Token.MaxBackoff == 0 {
		c.Token.MaxBackoff = time.Second
	}
	if c.Rotation.Strategy == "" {
		c.Rotation.Strategy = StrategyPerConnection
	}
	if c.Rotation.DrainTimeout == 0 {
		c.Rotation.DrainTimeout = 30 * time.Second
	}
	if c.Rotation.LeaseTTL == 0 {
		c.Rotation.LeaseTTL = time.Minute
	}
	if c.Rotation.LeaseWait == 0 {
		c.Rotation.LeaseWait = 10 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.HealthCheckInterval == 0 {
		c.Server.HealthCheckInterval = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "tokenpool"
		}
		c.Server.InstanceID = hostname + "-" + uuid.NewString()[:8]
	}
}
