// Package config loads server settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config is the tandem server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr    string `yaml:"addr" validate:"required,hostname_port"`
	DataDir string `yaml:"data_dir" validate:"required"`
	// Store selects the snapshot backend.
	Store string      `yaml:"store" validate:"oneof=file redis badger memory"`
	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`
	WS    WSConfig    `yaml:"websocket"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// WSConfig tunes the websocket transport. Zero values use the server
// defaults.
type WSConfig struct {
	PingPeriod  time.Duration `yaml:"ping_period" validate:"gte=0"`
	WriteWait   time.Duration `yaml:"write_wait" validate:"gte=0"`
	SaveTimeout time.Duration `yaml:"save_timeout" validate:"gte=0"`
	SendBuffer  int           `yaml:"send_buffer" validate:"gte=0"`
	ReadLimit   int64         `yaml:"read_limit" validate:"gte=0"`
	// RateLimit is frames per second per connection; negative disables it.
	RateLimit          float64  `yaml:"rate_limit"`
	RateBurst          int      `yaml:"rate_burst" validate:"gte=0"`
	OriginPatterns     []string `yaml:"origin_patterns"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		DataDir: "data",
		Store:   StoreFile,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "tandem:",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

var validate = validator.New()

// Load builds the configuration. path may be empty; a missing file is an
// error only when path was given explicitly. getenv is usually os.Getenv.
func Load(fs afero.Fs, path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return Config{}, xerrors.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, xerrors.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if v := getenv("TANDEM_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("TANDEM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("TANDEM_STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := getenv("TANDEM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv("TANDEM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks field rules and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Errorf("invalid config: %w", err)
	}
	if c.Store == StoreRedis && c.Redis.Addr == "" {
		return xerrors.New("invalid config: redis store needs redis.addr")
	}
	return nil
}

// SnapshotDir is where file and badger stores keep their data.
func (c Config) SnapshotDir() string {
	if c.Store == StoreBadger {
		return filepath.Join(c.DataDir, "badger")
	}
	return c.DataDir
}
