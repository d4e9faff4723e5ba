package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pollsync/pollsync/internal/transport"
)

type Config struct {
	ServerURL       string `yaml:"server_url"`
	APIBaseURL      string `yaml:"api_base_url"`
	LogLevel        string `yaml:"log_level"`
	VotingWindowSec int    `yaml:"voting_window_sec"`

	Store struct {
		Backend       string `yaml:"backend"` // sqlite | redis | memory
		Path          string `yaml:"path"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
	} `yaml:"store"`

	Reconnect struct {
		MaxAttempts int `yaml:"max_attempts"`
		DelayMs     int `yaml:"delay_ms"`
		DelayMaxMs  int `yaml:"delay_max_ms"`
	} `yaml:"reconnect"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides.
	config.ServerURL = getEnv("POLLSYNC_SERVER_URL", config.ServerURL)
	config.APIBaseURL = getEnv("POLLSYNC_API_URL", config.APIBaseURL)
	config.LogLevel = getEnv("POLLSYNC_LOG_LEVEL", config.LogLevel)
	config.VotingWindowSec = getEnvAsInt("POLLSYNC_VOTING_WINDOW_SEC", config.VotingWindowSec)
	config.Store.Backend = getEnv("POLLSYNC_STORE_BACKEND", config.Store.Backend)
	config.Store.Path = getEnv("POLLSYNC_STORE_PATH", config.Store.Path)
	config.Store.RedisAddr = getEnv("POLLSYNC_REDIS_ADDR", config.Store.RedisAddr)
	config.Store.RedisPassword = getEnv("POLLSYNC_REDIS_PASSWORD", config.Store.RedisPassword)

	if config.ServerURL == "" {
		config.ServerURL = "ws://localhost:4000/ws"
	}
	if config.Store.Backend == "" {
		config.Store.Backend = "sqlite"
	}
	if config.Store.Path == "" {
		config.Store.Path = "pollsync.db"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return &config, nil
}

// transportOptions maps the reconnect section onto channel options,
// keeping the defaults where the config is silent.
func (c *Config) transportOptions() transport.Options {
	opts := transport.DefaultOptions()
	if c.Reconnect.MaxAttempts > 0 {
		opts.MaxReconnectAttempts = c.Reconnect.MaxAttempts
	}
	if c.Reconnect.DelayMs > 0 {
		opts.ReconnectDelay = time.Duration(c.Reconnect.DelayMs) * time.Millisecond
	}
	if c.Reconnect.DelayMaxMs > 0 {
		opts.ReconnectDelayMax = time.Duration(c.Reconnect.DelayMaxMs) * time.Millisecond
	}
	return opts
}
