package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DataDir string        `yaml:"data_dir"`
	Queue   QueueConfig   `yaml:"queue"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	ListenPort int    `yaml:"listen_port"`
	AuthSecret string `yaml:"auth_secret"` // empty disables auth
}

type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration file at path (when given), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			ListenPort: 8080,
		},
		DataDir: "./data",
		Queue: QueueConfig{
			Capacity:      10,
			ShutdownGrace: 3 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadFromEnv(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFromEnv(config *Config) {
	if port := os.Getenv("DBSHIM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.ListenPort = p
		}
	}
	if secret := os.Getenv("DBSHIM_AUTH_SECRET"); secret != "" {
		config.Server.AuthSecret = secret
	}
	if dir := os.Getenv("DBSHIM_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if capacity := os.Getenv("DBSHIM_QUEUE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.Queue.Capacity = c
		}
	}
}

func validate(config *Config) error {
	if config.Server.ListenPort <= 0 || config.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", config.Server.ListenPort)
	}
	if config.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if config.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", config.Queue.Capacity)
	}
	if config.Queue.ShutdownGrace <= 0 {
		return fmt.Errorf("queue shutdown grace must be positive, got %s", config.Queue.ShutdownGrace)
	}
	return nil
}

// LogLevel maps the configured level name onto a slog level, defaulting to
// info for unknown names.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
