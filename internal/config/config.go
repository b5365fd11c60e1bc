// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	AutoReply AutoReplyConfig `yaml:"autoreply"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AutoReplyConfig holds automated reply webhook configuration
type AutoReplyConfig struct {
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// CacheConfig holds the business record cache configuration
type CacheConfig struct {
	BusinessTTL time.Duration `yaml:"-"`
	MaxEntries  int           `yaml:"max_entries"`

	// Raw string value for YAML unmarshaling
	BusinessTTLRaw string `yaml:"business_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves fields unset.
const (
	DefaultHTTPAddr         = "localhost:8080"
	DefaultAutoReplyTimeout = 30 * time.Second
	DefaultBusinessTTL      = 5 * time.Minute
	DefaultCacheMaxEntries  = 10_000
)

// Default returns a configuration with all defaults applied. The database
// path still has to be provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: DefaultHTTPAddr},
		AutoReply: AutoReplyConfig{
			Timeout: DefaultAutoReplyTimeout,
		},
		Cache: CacheConfig{
			BusinessTTL: DefaultBusinessTTL,
			MaxEntries:  DefaultCacheMaxEntries,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.AutoReply.Timeout == 0 {
		c.AutoReply.Timeout = DefaultAutoReplyTimeout
	}
	if c.Cache.BusinessTTL == 0 {
		c.Cache.BusinessTTL = DefaultBusinessTTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.AutoReply.Timeout < 0 {
		return fmt.Errorf("autoreply.timeout must be positive")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}

	switch c.Logging.Format {
	case "", "json", "text", "color":
	default:
		return fmt.Errorf("logging.format must be one of json, text, color (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.AutoReply.TimeoutRaw != "" {
		cfg.AutoReply.Timeout, err = time.ParseDuration(cfg.AutoReply.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing autoreply.timeout %q: %w", cfg.AutoReply.TimeoutRaw, err)
		}
	}

	if cfg.Cache.BusinessTTLRaw != "" {
		cfg.Cache.BusinessTTL, err = time.ParseDuration(cfg.Cache.BusinessTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache.business_ttl %q: %w", cfg.Cache.BusinessTTLRaw, err)
		}
	}

	return nil
}
