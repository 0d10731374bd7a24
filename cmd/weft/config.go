package main

import (
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/goccy/go-json"
)

// Config holds all weft configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	PoolSize  int    `json:"pool_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    "file:" + filepath.Join(weftDir(), "weft.db"),
		LogLevel:  "info",
		LogFormat: "text",
		PoolSize:  5,
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	var cfg Config

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 1: env vars override settings.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("WEFT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	// Layer 3: anything still unset falls back to the defaults.
	_ = mergo.Merge(&cfg, defaultConfig())

	return cfg
}
