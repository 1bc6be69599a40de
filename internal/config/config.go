package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"agrosync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Queue        QueueConfig        `yaml:"queue"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	API          APIConfig          `yaml:"api"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Exports      ExportConfig       `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// QueueConfig controls the durable queue and its processing loop.
type QueueConfig struct {
	// Store selects the durable backend: sqlite, redis or memory.
	Store      string        `yaml:"store"`
	Path       string        `yaml:"path"`
	Redis      RedisConfig   `yaml:"redis"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Key      string `yaml:"key"`
}

// RemoteConfig describes the hosted datastore the executor talks to. An
// empty base URL means no executor can be resolved; queued operations are
// retried on later passes once one is configured.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type APIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Port         int      `yaml:"port"`
	HeaderAPIKey string   `yaml:"header_api_key"`
	APIKeys      []string `yaml:"api_keys"`
}

type AlertsConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  int64  `yaml:"telegram_chat"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config at path, expanding ${ENV} references after
// loading a .env file when one is present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Queue.Store {
	case "sqlite":
		if c.Queue.Path == "" {
			return errors.New("queue.path is required for the sqlite store")
		}
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address is required for the redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue store %q", c.Queue.Store)
	}

	if c.Queue.MaxRetries < 1 {
		return errors.New("queue.max_retries must be at least 1")
	}

	if c.Alerts.TelegramToken != "" && c.Alerts.TelegramChat == 0 {
		return errors.New("alerts.telegram_chat is required when a telegram token is set")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "agrosync"
	}
	if c.Queue.Store == "" {
		c.Queue.Store = "sqlite"
	}
	if c.Queue.Store == "sqlite" && c.Queue.Path == "" {
		c.Queue.Path = "data/agrosync.db"
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "agrosync:queue"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = models.DefaultMaxRetries
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = models.DefaultRetryDelay
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = models.DefaultRemoteTimeout
	}
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = models.DefaultProbeInterval
	}
	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.HeaderAPIKey == "" {
		c.API.HeaderAPIKey = "x-api-key"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
