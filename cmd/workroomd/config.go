package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workroom-io/workroom"
)

// Duration wraps time.Duration for YAML decoding of values like "30s".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// or returns the wrapped duration, or def when unset.
func (d Duration) or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Config is the daemon configuration file.
type Config struct {
	// Listen is the HTTP listen address for the API and WebSocket
	// endpoints.
	Listen string `yaml:"listen"`

	// Backend selects the job store and queue: memory, redis, or
	// postgres.
	Backend string `yaml:"backend"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`

	Auth      AuthConfig      `yaml:"auth"`
	Node      NodeConfig      `yaml:"node"`
	Retention RetentionConfig `yaml:"retention"`
}

// RedisConfig configures the Redis connection. When the backend is
// redis, the same connection also carries the broadcast bus and the
// distributed submission limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// PostgresConfig configures the Postgres connection for the bun
// backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// MongoConfig configures the optional MongoDB result store. Results
// stay in memory when URI is empty.
type MongoConfig struct {
	URI      string `yaml:"uri,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// AuthConfig lists static API tokens. An empty list falls back to the
// development authenticator, which accepts any non-empty token as a
// user id.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps one token to a user identity.
type TokenConfig struct {
	Token    string `yaml:"token"`
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username,omitempty"`
	// Workspaces restricts the identity to the listed workspaces.
	// Empty means all workspaces.
	Workspaces []string `yaml:"workspaces,omitempty"`
}

// NodeConfig overrides workroom.DefaultConfig. Zero values keep the
// defaults.
type NodeConfig struct {
	Concurrency        int      `yaml:"concurrency,omitempty"`
	LeaseTimeout       Duration `yaml:"lease_timeout,omitempty"`
	LeaseHeartbeat     Duration `yaml:"lease_heartbeat,omitempty"`
	CancelPollInterval Duration `yaml:"cancel_poll_interval,omitempty"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout,omitempty"`
	SubmitLimit        int      `yaml:"submit_limit,omitempty"`
	SubmitWindow       Duration `yaml:"submit_window,omitempty"`
	MessageLimit       int      `yaml:"message_limit,omitempty"`
	MessageWindow      Duration `yaml:"message_window,omitempty"`
}

// RetentionConfig configures the janitor.
type RetentionConfig struct {
	Window        Duration `yaml:"window,omitempty"`
	PurgeSchedule string   `yaml:"purge_schedule,omitempty"`
	ReapSchedule  string   `yaml:"reap_schedule,omitempty"`
}

// DefaultDaemonConfig returns the configuration used when no file is
// given.
func DefaultDaemonConfig() Config {
	return Config{
		Listen:  ":8080",
		Backend: "memory",
	}
}

// LoadConfig reads and strictly decodes a YAML config file. Unknown
// keys are errors; a typo must not silently fall back to a default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultDaemonConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("backend %q requires redis.addr", c.Backend)
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("backend %q requires postgres.dsn", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (want memory, redis, or postgres)", c.Backend)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo.uri requires mongo.database")
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.UserID == "" {
			return fmt.Errorf("auth.tokens[%d]: token and user_id are required", i)
		}
	}
	return nil
}

// NodeConfig materializes the workroom configuration with overrides
// applied.
func (c *Config) NodeConfig() workroom.Config {
	cfg := workroom.DefaultConfig()
	if c.Node.Concurrency > 0 {
		cfg.Concurrency = c.Node.Concurrency
	}
	cfg.LeaseTimeout = c.Node.LeaseTimeout.or(cfg.LeaseTimeout)
	cfg.LeaseHeartbeat = c.Node.LeaseHeartbeat.or(cfg.LeaseHeartbeat)
	cfg.CancelPollInterval = c.Node.CancelPollInterval.or(cfg.CancelPollInterval)
	cfg.ShutdownTimeout = c.Node.ShutdownTimeout.or(cfg.ShutdownTimeout)
	if c.Node.SubmitLimit > 0 {
		cfg.SubmitLimit = c.Node.SubmitLimit
	}
	cfg.SubmitWindow = c.Node.SubmitWindow.or(cfg.SubmitWindow)
	if c.Node.MessageLimit > 0 {
		cfg.MessageLimit = c.Node.MessageLimit
	}
	cfg.MessageWindow = c.Node.MessageWindow.or(cfg.MessageWindow)
	return cfg
}
