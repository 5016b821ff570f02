package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conduit server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	SchedulerInterval string `json:"scheduler_interval"`
	VaultPassphrase   string `json:"vault_passphrase"`
	VaultSalt         string `json:"vault_salt"`
	MCP               bool   `json:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(conduitDir(), "conduit.db"),
		LogLevel:          "info",
		PoolSize:          8,
		SchedulerInterval: "1m",
	}
}

func conduitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

func settingsPath() string {
	return filepath.Join(conduitDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUIT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONDUIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUIT_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}
	if v := os.Getenv("CONDUIT_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("CONDUIT_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("CONDUIT_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) schedulerInterval() time.Duration {
	d, err := time.ParseDuration(c.SchedulerInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}
