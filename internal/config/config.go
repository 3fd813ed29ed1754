// Package config provides configuration loading and management for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Server holds HTTP server settings
	Server ServerConfig `yaml:"server,omitempty"`

	// Upstream holds settings for the PNCP consultation API
	Upstream UpstreamConfig `yaml:"upstream"`

	// Sync holds scheduling and worker pool settings
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Webhook holds webhook ingest settings
	Webhook WebhookConfig `yaml:"webhook,omitempty"`

	// Cache holds domain cache settings
	Cache CacheConfig `yaml:"cache,omitempty"`

	// Database holds Postgres connection settings
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// UpstreamConfig defines the upstream PNCP API settings
type UpstreamConfig struct {
	// Endpoint is the base API URL (without path)
	// Example: "https://pncp.gov.br/api/consulta"
	Endpoint string `yaml:"endpoint"`

	// RequestTimeout is the per-call HTTP timeout (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxPageSize caps page sizes sent upstream; the PNCP maximum is 500
	MaxPageSize int `yaml:"maxPageSize,omitempty"`

	// RatePerSecond is the sustained outbound request rate per host
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty"`

	// RateBurst is the token bucket burst size
	RateBurst int `yaml:"rateBurst,omitempty"`

	// RateWaitTimeout bounds how long a call may wait for a rate token
	RateWaitTimeout string `yaml:"rateWaitTimeout,omitempty"`

	// MaxAttempts is the retry budget for transient upstream failures
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// RetryBaseDelay is the initial retry delay (e.g. "1s")
	RetryBaseDelay string `yaml:"retryBaseDelay,omitempty"`
}

// SyncConfig defines scheduling and worker pool settings
type SyncConfig struct {
	// Interval is the full-sync cadence per entity type (e.g. "24h")
	Interval string `yaml:"interval,omitempty"`

	// DomainInterval is the reference-table refresh cadence (e.g. "168h")
	DomainInterval string `yaml:"domainInterval,omitempty"`

	// Workers is the size of the job worker pool
	Workers int `yaml:"workers,omitempty"`

	// MaxRetries is how many times a job may be retried before dead-lettering
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// JobDeadline bounds a single job execution (e.g. "30m")
	JobDeadline string `yaml:"jobDeadline,omitempty"`

	// BatchSize is the number of records upserted per transaction
	BatchSize int `yaml:"batchSize,omitempty"`

	// EntityTypes lists the entity types to keep in sync.
	// Defaults to all known types when empty.
	EntityTypes []string `yaml:"entityTypes,omitempty"`
}

// WebhookConfig defines webhook ingest settings
type WebhookConfig struct {
	// SecretFile is the path to a file containing the shared HMAC secret
	SecretFile string `yaml:"secretFile,omitempty"`

	// DedupWindow suppresses re-enqueues for the same record (e.g. "60s")
	DedupWindow string `yaml:"dedupWindow,omitempty"`
}

// CacheConfig defines domain cache settings
type CacheConfig struct {
	// TTL is how long a reference category stays fresh (e.g. "24h")
	TTL string `yaml:"ttl,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from PNCP_SYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		password := strings.TrimSpace(string(data))
		return password, nil
	}

	if envPassword := os.Getenv("PNCP_SYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or PNCP_SYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetWebhookSecret returns the shared HMAC secret using the following priority:
// 1. Read from SecretFile if specified
// 2. Read from PNCP_SYNC_WEBHOOK_SECRET environment variable
func (w *WebhookConfig) GetWebhookSecret() (string, error) {
	if w.SecretFile != "" {
		cleanPath := filepath.Clean(w.SecretFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read webhook secret from file %s: %w", w.SecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv("PNCP_SYNC_WEBHOOK_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf(
		"no webhook secret configured: set secretFile or PNCP_SYNC_WEBHOOK_SECRET environment variable",
	)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other option to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream endpoint is required")
	}
	if _, err := url.Parse(c.Upstream.Endpoint); err != nil {
		return fmt.Errorf("invalid upstream endpoint: %w", err)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"upstream.requestTimeout", c.Upstream.RequestTimeout},
		{"upstream.rateWaitTimeout", c.Upstream.RateWaitTimeout},
		{"upstream.retryBaseDelay", c.Upstream.RetryBaseDelay},
		{"sync.interval", c.Sync.Interval},
		{"sync.domainInterval", c.Sync.DomainInterval},
		{"sync.jobDeadline", c.Sync.JobDeadline},
		{"webhook.dedupWindow", c.Webhook.DedupWindow},
		{"cache.ttl", c.Cache.TTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field.name, field.value, err)
		}
	}

	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers cannot be negative")
	}
	if c.Upstream.MaxPageSize < 0 || c.Upstream.MaxPageSize > 500 {
		return fmt.Errorf("upstream.maxPageSize must be between 0 and 500")
	}

	return nil
}

// Duration parses a duration field, falling back to def when the field is
// empty or invalid. Validation guarantees populated fields parse.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
