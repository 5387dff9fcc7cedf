// Package config loads topicfeed settings from config.yaml, .env and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/store"
)

// ErrInvalidConfig is returned when a setting cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

const fileName = "config.yaml"

// Config holds every topicfeed setting.
type Config struct {
	RPCURL   string      `yaml:"rpc_url"`
	Contract string      `yaml:"contract"`
	Topics   []string    `yaml:"topics"`
	Sort     string      `yaml:"sort"`
	Cache    CacheConfig `yaml:"cache"`
	Addr     string      `yaml:"addr"`
	Log      LogConfig   `yaml:"log"`

	// Dir is the directory the config was loaded from.
	Dir string `yaml:"-"`
}

type CacheConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	// Transactions is how many decoded transactions are kept in memory.
	Transactions int    `yaml:"transactions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Dir returns the configuration directory path.
func Dir() string {
	if dir := os.Getenv("TOPICFEED_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "topicfeed")
}

// LoadDotEnv loads .env from the working directory if present. Variables
// already set in the environment are kept.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Defaults returns the settings used when nothing else is configured.
func Defaults(dir string) Config {
	return Config{
		Sort:  chain.ByTrend.String(),
		Cache: CacheConfig{Driver: store.DriverSQLite, DSN: filepath.Join(dir, "cache.db"), Transactions: 4096},
		Addr:  ":8080",
		Log:   LogConfig{Level: "info", Format: "text"},
		Dir:   dir,
	}
}

// LoadFile reads config.yaml in dir on top of the defaults, ignoring the
// environment. A missing file is not an error.
func LoadFile(dir string) (Config, error) {
	cfg := Defaults(dir)
	data, err := os.ReadFile(filepath.Join(dir, fileName)) // #nosec G304 -- fixed name inside the config dir
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, fileName, err)
	}
	cfg.Dir = dir
	return cfg, nil
}

// Load reads config.yaml in dir, applies environment overrides and validates
// the result.
func Load(dir string) (Config, error) {
	cfg, err := LoadFile(dir)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.RPCURL, "TOPICFEED_RPC_URL")
	set(&c.Contract, "TOPICFEED_CONTRACT")
	set(&c.Sort, "TOPICFEED_SORT")
	set(&c.Cache.Driver, "TOPICFEED_CACHE_DRIVER")
	set(&c.Cache.DSN, "TOPICFEED_CACHE_DSN")
	set(&c.Addr, "TOPICFEED_ADDR")
	set(&c.Log.Level, "TOPICFEED_LOG_LEVEL")
	set(&c.Log.Format, "TOPICFEED_LOG_FORMAT")
	if v := os.Getenv("TOPICFEED_TOPICS"); v != "" {
		c.Topics = SplitTopics(v)
	}
	if v := os.Getenv("TOPICFEED_CACHE_TRANSACTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: TOPICFEED_CACHE_TRANSACTIONS %q is not a number", ErrInvalidConfig, v)
		}
		c.Cache.Transactions = n
	}
	return nil
}

// SplitTopics splits a comma-separated topic list, dropping empty entries.
func SplitTopics(s string) []string {
	var topics []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Validate checks that every setting can be used.
func (c Config) Validate() error {
	if c.Contract != "" && !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("%w: contract %q is not a hex address", ErrInvalidConfig, c.Contract)
	}
	if _, err := chain.ParseSortMode(c.Sort); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Cache.Driver {
	case store.DriverSQLite, store.DriverPostgres:
		if c.Cache.DSN == "" {
			return fmt.Errorf("%w: cache driver %s needs a dsn", ErrInvalidConfig, c.Cache.Driver)
		}
	case store.DriverNone:
	default:
		return fmt.Errorf("%w: cache driver %q: must be 'sqlite', 'postgres' or 'none'", ErrInvalidConfig, c.Cache.Driver)
	}
	if c.Cache.Transactions <= 0 {
		return fmt.Errorf("%w: cache transactions must be positive, got %d", ErrInvalidConfig, c.Cache.Transactions)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log format %q: must be 'text' or 'json'", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// SortMode returns the configured sort mode.
func (c Config) SortMode() chain.SortMode {
	mode, _ := chain.ParseSortMode(c.Sort)
	return mode
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return level, nil
}

// Logger builds the logger described by the config, writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Save writes the config to config.yaml in c.Dir.
func (c Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, fileName), data, 0600)
}

// Path returns the location of config.yaml.
func (c Config) Path() string {
	return filepath.Join(c.Dir, fileName)
}
