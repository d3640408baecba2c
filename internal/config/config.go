// Package config loads strategy-runner settings: built-in defaults, then an
// optional YAML file, then SR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matthew-holman/strategy-runner/pkg/types"
)

// Config holds all configuration for the strategy runner.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Redis      RedisConfig      `yaml:"redis"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Export     ExportConfig     `yaml:"export"`
	Log        LogConfig        `yaml:"log"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// SQLiteConfig selects the local-file backend when Path is set.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the event bus connection. Events are disabled when Addr is empty.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// GRPCConfig holds the health server port. 0 disables the server.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// StrategiesConfig points at the strategy definition directories.
type StrategiesConfig struct {
	SignalDir    string `yaml:"signal_dir"`
	ExecutionDir string `yaml:"execution_dir"`
}

// BacktestConfig holds orchestrator parameters.
type BacktestConfig struct {
	Index     string `yaml:"index"`
	ChunkDays int    `yaml:"chunk_days"`
	Workers   int    `yaml:"workers"`
	Until     string `yaml:"until"` // YYYY-MM-DD, empty means today
}

// UntilDate parses Until. The zero time means today.
func (b BacktestConfig) UntilDate() (time.Time, error) {
	if b.Until == "" {
		return time.Time{}, nil
	}
	return types.ParseDay(b.Until)
}

// ExportConfig holds the Parquet export directory. Export is off when Dir is empty.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig holds logging parameters.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load builds the configuration. path names a YAML file; when empty,
// SR_CONFIG_FILE is used, and when that is unset too no file is read.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("SR_CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "strategy_runner",
			User:     "strategy_runner",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			ChannelPrefix: "strategy-runner",
		},
		Strategies: StrategiesConfig{
			SignalDir:    "strategies/signal",
			ExecutionDir: "strategies/execution",
		},
		Backtest: BacktestConfig{
			Index:     "S&P 500",
			ChunkDays: 365,
			Workers:   1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
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

func envInt32(key string, dst *int32) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = int32(n)
		}
	}
}

func overrideFromEnv(cfg *Config) {
	envString("SR_DB_HOST", &cfg.Database.Host)
	envInt("SR_DB_PORT", &cfg.Database.Port)
	envString("SR_DB_NAME", &cfg.Database.Name)
	envString("SR_DB_USER", &cfg.Database.User)
	envString("SR_DB_PASSWORD", &cfg.Database.Password)
	envInt32("SR_DB_MAX_CONNS", &cfg.Database.MaxConns)
	envInt32("SR_DB_MIN_CONNS", &cfg.Database.MinConns)

	envString("SR_SQLITE_PATH", &cfg.SQLite.Path)

	envString("SR_REDIS_ADDR", &cfg.Redis.Addr)
	envString("SR_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("SR_REDIS_DB", &cfg.Redis.DB)
	envString("SR_REDIS_CHANNEL_PREFIX", &cfg.Redis.ChannelPrefix)

	envInt("SR_GRPC_PORT", &cfg.GRPC.Port)

	envString("SR_SIGNAL_STRATEGY_DIR", &cfg.Strategies.SignalDir)
	envString("SR_EXECUTION_STRATEGY_DIR", &cfg.Strategies.ExecutionDir)

	envString("SR_INDEX_NAME", &cfg.Backtest.Index)
	envInt("SR_CHUNK_DAYS", &cfg.Backtest.ChunkDays)
	envInt("SR_WORKERS", &cfg.Backtest.Workers)
	envString("SR_UNTIL", &cfg.Backtest.Until)

	envString("SR_EXPORT_DIR", &cfg.Export.Dir)

	envString("SR_LOG_LEVEL", &cfg.Log.Level)
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", cfg.Log.Level)
	}
	if cfg.SQLite.Path == "" && cfg.Database.MaxConns < 1 {
		return fmt.Errorf("SR_DB_MAX_CONNS must be >= 1, got %d", cfg.Database.MaxConns)
	}
	if cfg.GRPC.Port < 0 || cfg.GRPC.Port > 65535 {
		return fmt.Errorf("SR_GRPC_PORT out of range: %d", cfg.GRPC.Port)
	}
	if cfg.Strategies.SignalDir == "" || cfg.Strategies.ExecutionDir == "" {
		return fmt.Errorf("strategy directories are required")
	}
	if cfg.Backtest.Index == "" {
		return fmt.Errorf("SR_INDEX_NAME is required")
	}
	if cfg.Backtest.ChunkDays < 1 {
		return fmt.Errorf("SR_CHUNK_DAYS must be >= 1, got %d", cfg.Backtest.ChunkDays)
	}
	if cfg.Backtest.Workers < 1 {
		return fmt.Errorf("SR_WORKERS must be >= 1, got %d", cfg.Backtest.Workers)
	}
	if _, err := cfg.Backtest.UntilDate(); err != nil {
		return fmt.Errorf("SR_UNTIL: %w", err)
	}
	return nil
}
