// Package config loads runtime configuration from an optional YAML file with
// environment variable overrides. Env always wins so one image can run in
// every environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
	DatabaseURL    string `yaml:"database_url"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	LogLevel       string `yaml:"log_level"`

	// NodeID identifies this instance as the owner token in named locks.
	NodeID string `yaml:"node_id"`

	TickIntervalSeconds    int `yaml:"tick_interval_seconds"`
	MonitorIntervalSeconds int `yaml:"monitor_interval_seconds"`

	// DispatchRate / DispatchBurst bound bus publishes per second.
	DispatchRate  int `yaml:"dispatch_rate"`
	DispatchBurst int `yaml:"dispatch_burst"`
}

// Load reads the file named by FLEETWARD_CONFIG (if any), then applies env
// overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("FLEETWARD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", defaultStr(cfg.HTTPListenAddr, ":8080"))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", defaultStr(cfg.RedisAddr, "localhost:6379"))
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.LogLevel = getEnv("LOG_LEVEL", defaultStr(cfg.LogLevel, "info"))
	cfg.NodeID = getEnv("NODE_ID", defaultStr(cfg.NodeID, hostnameOrRandom()))
	cfg.TickIntervalSeconds = getEnvInt("TICK_INTERVAL_SECONDS", defaultInt(cfg.TickIntervalSeconds, 60))
	cfg.MonitorIntervalSeconds = getEnvInt("MONITOR_INTERVAL_SECONDS", defaultInt(cfg.MonitorIntervalSeconds, 60))
	cfg.DispatchRate = getEnvInt("DISPATCH_RATE", defaultInt(cfg.DispatchRate, 500))
	cfg.DispatchBurst = getEnvInt("DISPATCH_BURST", defaultInt(cfg.DispatchBurst, 100))

	return cfg, nil
}

// TickInterval is the scheduler tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// MonitorInterval is the liveness monitor period.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func hostnameOrRandom() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fmt.Sprintf("node-%d", os.Getpid())
}
