// Package config loads the server configuration from a YAML file, an
// optional .env file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/options-engine/internal/calendar"
)

// DefaultPath is read when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "config.yaml"

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
	Admin    string         `yaml:"admin"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Asset    AssetConfig    `yaml:"asset"`
	Queue    QueueConfig    `yaml:"queue"`
	Pool     PoolConfig     `yaml:"pool"`
	Referral ReferralConfig `yaml:"referral"`
	Markets  []MarketConfig `yaml:"markets"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port      int     `yaml:"port"`
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per caller
	RateBurst int     `yaml:"rate_burst"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend. Postgres wins over SQLite;
// with neither set records are kept in memory.
type StorageConfig struct {
	PostgresURL string        `yaml:"postgres_url"`
	SQLitePath  string        `yaml:"sqlite_path"` // file path, or ":memory:"
	RedisURL    string        `yaml:"redis_url"`   // read-through cache in front of the store
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// KafkaConfig enables the event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// LogConfig controls the log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// OracleConfig lists the accepted price signers.
type OracleConfig struct {
	Signers []string `yaml:"signers"`
}

// AssetConfig describes the backing asset.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// QueueConfig holds the trade queue tunables.
type QueueConfig struct {
	MaxWait           time.Duration `yaml:"max_wait"`
	MaxSlippageBps    uint32        `yaml:"max_slippage_bps"`
	PrivateKeeperMode bool          `yaml:"private_keeper_mode"`
}

// PoolConfig holds the collateral pool tunables.
type PoolConfig struct {
	Lockup       time.Duration   `yaml:"lockup"`
	InitialRate  decimal.Decimal `yaml:"initial_rate"`
	MaxLiquidity decimal.Decimal `yaml:"max_liquidity"` // zero means no cap
	MinAmount    decimal.Decimal `yaml:"min_amount"`
}

// ReferralConfig holds the referral tier table.
type ReferralConfig struct {
	Steps   []int   `yaml:"steps"`
	Rebates []int64 `yaml:"rebates"` // per tier, in 1e-7 of the fee
}

// MarketConfig is one market. Zero numeric fields take the engine defaults.
type MarketConfig struct {
	ID                      string          `yaml:"id"`
	BaseFeeAbove            int64           `yaml:"base_fee_above"`
	BaseFeeBelow            int64           `yaml:"base_fee_below"`
	StepSize                int64           `yaml:"step_size"`
	NFTTierSteps            []int           `yaml:"nft_tier_steps"`
	AssetUtilizationLimit   int64           `yaml:"asset_utilization_limit"`
	OverallUtilizationLimit int64           `yaml:"overall_utilization_limit"`
	FeePerTxnLimit          int64           `yaml:"fee_per_txn_limit"`
	MinPeriod               uint64          `yaml:"min_period"`
	MaxPeriod               uint64          `yaml:"max_period"`
	MinFee                  decimal.Decimal `yaml:"min_fee"`
	Recipient               string          `yaml:"recipient"`
	TraderNFT               bool            `yaml:"trader_nft"`
	CalendarGated           bool            `yaml:"calendar_gated"`
	// Windows maps lower-case weekday names to trading sessions in UTC.
	Windows map[string]calendar.Window `yaml:"windows"`
}

// Load reads the configuration. An empty path falls back to CONFIG_PATH,
// then to config.yaml when it exists; with no file at all the configuration
// comes from the environment alone.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		if path = os.Getenv("CONFIG_PATH"); path != "" {
			explicit = true
		} else {
			path = DefaultPath
		}
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides replaces file values with environment variables that are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ORACLE_SIGNERS"); v != "" {
		cfg.Oracle.Signers = splitList(v)
	}
	if v := os.Getenv("ADMIN_ADDRESS"); v != "" {
		cfg.Admin = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}
