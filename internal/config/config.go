package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Printers PrintersConfig `yaml:"printers"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	ArchivePath string `yaml:"archive_path"`
	ArchiveDays int    `yaml:"archive_days"`
}

type PrintersConfig struct {
	HealthCheckInterval time.Duration   `yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration   `yaml:"connection_timeout"`
	Fleet               []PrinterConfig `yaml:"fleet"`
}

// PrinterConfig is one entry of the fleet. Transport is "session" for
// controllers reached over a login + websocket session and "broker" for
// controllers reached over MQTT with an FTPS file channel.
type PrinterConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	Endpoint  string `yaml:"endpoint"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	APIKey    string `yaml:"api_key"`
	DeviceID  string `yaml:"device_id"`
	Enabled   bool   `yaml:"enabled"`
}

type QueueConfig struct {
	AutoProcess   bool `yaml:"auto_process"`
	BusBufferSize int  `yaml:"bus_buffer_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	PasswordHash string        `yaml:"password_hash"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type WebhooksConfig struct {
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "./data/printfleet.db",
			ArchivePath: "./data/archives",
			ArchiveDays: 30,
		},
		Printers: PrintersConfig{
			HealthCheckInterval: 30 * time.Second,
			ConnectionTimeout:   10 * time.Second,
		},
		Queue: QueueConfig{
			AutoProcess:   false,
			BusBufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Storage: StorageConfig{
			Driver: "disk",
			Dir:    "./data/files",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "printfleet",
			SampleRatio: 1.0,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRINTFLEET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTFLEET_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}

	if v := os.Getenv("PRINTFLEET_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("PRINTFLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PRINTFLEET_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Driver != "sqlite3" && c.Database.Driver != "pgx" {
		return fmt.Errorf("invalid database driver: %s (valid: sqlite3, pgx)", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Printers.HealthCheckInterval < 0 {
		return fmt.Errorf("health check interval must be non-negative")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	seen := make(map[string]bool)
	for i, p := range c.Printers.Fleet {
		if p.ID == "" {
			return fmt.Errorf("printers.fleet[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("printers.fleet[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Transport != "session" && p.Transport != "broker" {
			return fmt.Errorf("printers.fleet[%d]: invalid transport %q (valid: session, broker)", i, p.Transport)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("printers.fleet[%d]: endpoint is required", i)
		}
		if p.Transport == "broker" && p.DeviceID == "" {
			return fmt.Errorf("printers.fleet[%d]: device_id is required for broker transport", i)
		}
	}

	if c.Queue.BusBufferSize < 1 {
		return fmt.Errorf("bus buffer size must be at least 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	if c.Auth.PasswordHash != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required when a password hash is set")
	}

	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth token ttl must be non-negative")
	}

	for i, e := range c.Webhooks.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: url is required", i)
		}
	}

	if c.Webhooks.RetryDelay < 0 || c.Webhooks.Timeout < 0 {
		return fmt.Errorf("webhook durations must be non-negative")
	}

	switch c.Storage.Driver {
	case "disk":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage dir is required for disk driver")
		}
	case "minio":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage endpoint and bucket are required for minio driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (valid: disk, minio)", c.Storage.Driver)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("invalid tracing exporter: %s (valid: none, stdout)", c.Tracing.Exporter)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}

	return nil
}
