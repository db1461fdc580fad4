// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// State backends.
const (
	StateMemory   = "memory"
	StateLevelDB  = "leveldb"
	StatePostgres = "postgres"
)

// Config holds agent-host configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"agent-host"`

	// HostName is the host segment of this host's agent URLs (nats://{HostName}/agents/{id}).
	HostName string `envconfig:"AGENT_HOST_NAME" default:"local"`
	// ChangeEventSubject overrides the global lifecycle event subject (empty = default).
	ChangeEventSubject string `envconfig:"AGENT_CHANGE_EVENT_SUBJECT"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"AGENT_REQUEST_TIMEOUT" default:"25s"`
	CallTimeout    time.Duration `envconfig:"AGENT_CALL_TIMEOUT" default:"0s"`

	// Bootstrap
	BootstrapFile string `envconfig:"AGENT_BOOTSTRAP_FILE"`

	// Runtime
	CacheSize      int   `envconfig:"AGENT_CACHE_SIZE" default:"100"`
	Shortcut       bool  `envconfig:"AGENT_SHORTCUT" default:"true"`
	MaxWorkers     int64 `envconfig:"AGENT_MAX_WORKERS" default:"64"`
	ProxyCacheSize int   `envconfig:"PROXY_CACHE_SIZE" default:"128"`
	// WireCodec is the body encoding of outgoing NATS messages: json or cbor.
	WireCodec string `envconfig:"WIRE_CODEC" default:"json"`

	// State
	StateBackend     string `envconfig:"STATE_BACKEND" default:"memory"`
	StateLevelDBPath string `envconfig:"STATE_LEVELDB_PATH" default:"data/state"`

	// Database (STATE_BACKEND=postgres and the maintenance commands)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath is a directory of migration files; empty uses the embedded ones.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// HTTP health endpoint (AGENT_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"AGENT_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the host.
func (c *Config) ValidateForServe() error {
	switch c.StateBackend {
	case StateMemory:
	case StateLevelDB:
		if c.StateLevelDBPath == "" {
			return fmt.Errorf("%s - STATE_LEVELDB_PATH is required for the leveldb backend", logPrefix)
		}
	case StatePostgres:
		if err := c.ValidateForDB(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s - STATE_BACKEND must be memory, leveldb or postgres, got %q", logPrefix, c.StateBackend)
	}
	switch c.WireCodec {
	case "json", "cbor":
	default:
		return fmt.Errorf("%s - WIRE_CODEC must be json or cbor, got %q", logPrefix, c.WireCodec)
	}
	if c.HostName == "" {
		return fmt.Errorf("%s - AGENT_HOST_NAME is required for serve", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - AGENT_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%s - AGENT_CALL_TIMEOUT must not be negative", logPrefix)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("%s - AGENT_CACHE_SIZE must be positive", logPrefix)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("%s - AGENT_MAX_WORKERS must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
