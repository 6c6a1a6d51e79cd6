package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional yaml tuning file. Anything not set falls back to
// defaults; connection endpoints come from the environment.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Hub struct {
		InboxDepth     int `yaml:"inbox_depth"`
		SendQueueDepth int `yaml:"send_queue_depth"`
		TickIntervalMs int `yaml:"tick_interval_ms"`
	} `yaml:"hub"`
	Bus struct {
		Enabled       bool   `yaml:"enabled"`
		Stream        string `yaml:"stream"`
		Consumer      string `yaml:"consumer"`
		SubjectFilter string `yaml:"subject_filter"`
	} `yaml:"bus"`
	WS struct {
		WriteTimeoutMs int `yaml:"write_timeout_ms"`
		ReadTimeoutMs  int `yaml:"read_timeout_ms"`
		PingIntervalMs int `yaml:"ping_interval_ms"`
	} `yaml:"ws"`
}

func loadConfig(path string) (*Config, error) {
	var config Config
	config.Bus.Enabled = true

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
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

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
