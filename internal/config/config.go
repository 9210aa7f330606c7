// Package config provides configuration management for taleweaver.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr = ":8720"
	DefaultDBDriver   = "sqlite"
	DefaultDBPath     = "taleweaver.db"
	DefaultMaxConns   = 4
)

// Config holds the service configuration. Values come from an optional YAML
// file, overridden by TALEWEAVER_* environment variables. The API key is
// env-only so it never lands in a config file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	DBDriver string `yaml:"db_driver"` // sqlite or postgres
	DBPath   string `yaml:"db_path"`   // sqlite file path
	DBDSN    string `yaml:"db_dsn"`    // postgres DSN
	MaxConns int    `yaml:"max_conns"`

	PromptsPath string `yaml:"prompts_path"` // empty = embedded defaults

	TextRequestsPerMin  int `yaml:"text_requests_per_min"`
	ImageRequestsPerMin int `yaml:"image_requests_per_min"`

	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`

	GeminiAPIKey string `yaml:"-"`

	Debug bool `yaml:"debug"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          DefaultListenAddr,
		DBDriver:            DefaultDBDriver,
		DBPath:              DefaultDBPath,
		MaxConns:            DefaultMaxConns,
		TextRequestsPerMin:  60,
		ImageRequestsPerMin: 20,
		StatusCacheTTL:      2 * time.Second,
	}
}

// Load reads configuration from path (optional; empty path or a missing file
// yields defaults) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("unsupported db_driver %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.DBDSN == "" {
		return nil, fmt.Errorf("db_driver postgres requires db_dsn")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("TALEWEAVER_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("TALEWEAVER_DB_DRIVER", &cfg.DBDriver)
	envStr("TALEWEAVER_DB_PATH", &cfg.DBPath)
	envStr("TALEWEAVER_DB_DSN", &cfg.DBDSN)
	envStr("TALEWEAVER_PROMPTS_PATH", &cfg.PromptsPath)
	envInt("TALEWEAVER_MAX_CONNS", &cfg.MaxConns)
	envInt("TALEWEAVER_TEXT_RPM", &cfg.TextRequestsPerMin)
	envInt("TALEWEAVER_IMAGE_RPM", &cfg.ImageRequestsPerMin)
	envStr("GEMINI_API_KEY", &cfg.GeminiAPIKey)

	if v := os.Getenv("TALEWEAVER_DEBUG"); v == "1" || v == "true" {
		cfg.Debug = true
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
