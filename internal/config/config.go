// Package config loads the application configuration from environment
// variables layered over an optional YAML file. Secrets are environment
// only: they have no defaults, never appear in the YAML file and are never
// logged.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for all environment variables.
const EnvPrefix = "KEYSERVER"

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Paths    PathsConfig    `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains credentials and request hardening configuration.
// AdminPassword and BillingPassword may be supplied either as plaintext or
// as bcrypt hashes ($2a$/$2b$/$2y$ prefix).
type SecurityConfig struct {
	AdminPassword   string          `yaml:"-" envconfig:"ADMIN_PASSWORD"`
	BillingPassword string          `yaml:"-" envconfig:"BILLING_PASSWORD"`
	WebhookSecret   string          `yaml:"-" envconfig:"WEBHOOK_SECRET"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
	// Tracing selects the span exporter: "stdout" or "none".
	Tracing string `yaml:"tracing" envconfig:"TRACING" default:"none"`
}

// PathsConfig contains file system paths. Relative paths are resolved
// against BaseDir.
type PathsConfig struct {
	BaseDir      string `yaml:"base_dir" envconfig:"BASE_DIR" default:"."`
	KeysFile     string `yaml:"keys_file" envconfig:"KEYS_FILE" default:"key_storage/keys.json"`
	AuditLogFile string `yaml:"audit_log_file" envconfig:"AUDIT_LOG_FILE" default:"logs/request_logs.json"`
	WellKnownDir string `yaml:"well_known_dir" envconfig:"WELL_KNOWN_DIR" default:".well-known/pki-validation"`
	DownloadsDir string `yaml:"downloads_dir" envconfig:"DOWNLOADS_DIR" default:"downloads"`
}

// Load loads configuration from environment variables and an optional
// config file, then validates it.
func Load() (*Config, error) {
	var fileCfg Config
	if path := findConfigFile(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := fileCfg
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func findConfigFile() string {
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

func (c *Config) resolvePaths() error {
	base, err := filepath.Abs(c.Paths.BaseDir)
	if err != nil {
		return err
	}
	c.Paths.BaseDir = base
	c.Paths.KeysFile = resolve(base, c.Paths.KeysFile)
	c.Paths.AuditLogFile = resolve(base, c.Paths.AuditLogFile)
	c.Paths.WellKnownDir = resolve(base, c.Paths.WellKnownDir)
	c.Paths.DownloadsDir = resolve(base, c.Paths.DownloadsDir)
	c.Logging.FilePath = resolve(base, c.Logging.FilePath)
	return nil
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// EnsureDirectories creates every directory the server writes to or
// serves from.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Paths.KeysFile),
		filepath.Dir(c.Paths.AuditLogFile),
		c.Paths.WellKnownDir,
		c.Paths.DownloadsDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Security.AdminPassword == "" {
		return fmt.Errorf("%s_SECURITY_ADMIN_PASSWORD is not set", EnvPrefix)
	}
	if c.Security.BillingPassword == "" {
		return fmt.Errorf("%s_SECURITY_BILLING_PASSWORD is not set", EnvPrefix)
	}
	if c.Security.WebhookSecret == "" {
		return fmt.Errorf("%s_SECURITY_WEBHOOK_SECRET is not set", EnvPrefix)
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive")
	}
	return nil
}

// Default returns the default configuration with placeholder secrets,
// for tests and tooling.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/app.log",
			Tracing:  "none",
		},
		Paths: PathsConfig{
			BaseDir:      ".",
			KeysFile:     "key_storage/keys.json",
			AuditLogFile: "logs/request_logs.json",
			WellKnownDir: ".well-known/pki-validation",
			DownloadsDir: "downloads",
		},
	}
}
