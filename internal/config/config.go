// Package config loads the ledger service configuration from defaults, an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/jackhts4/gmgn-clone/internal/instrument"
)

// EnvPrefix prefixes every environment override, e.g. LEDGER_SERVER_PORT.
const EnvPrefix = "LEDGER"

// Config is the full service configuration.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Log      Log      `mapstructure:"log"`
	Ledger   Ledger   `mapstructure:"ledger"`
	Oracle   Oracle   `mapstructure:"oracle"`
	Seed     Seed     `mapstructure:"seed"`
}

type Server struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Database struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type Redis struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Ledger holds the economic parameters of the engine.
type Ledger struct {
	StartingCash string `mapstructure:"starting_cash"`
	FeeBps       int64  `mapstructure:"fee_bps"`
}

type Oracle struct {
	QuoteToUSD string `mapstructure:"quote_to_usd"`
	// RedisKey, when set and Redis is configured, is read for a live rate.
	RedisKey string `mapstructure:"redis_key"`
}

// Seed lists the pools listed at startup when the store has none.
type Seed struct {
	Pools []SeedPool `mapstructure:"pools"`
}

// SeedPool is one instrument listing. Amounts are decimal strings.
type SeedPool struct {
	ID           string `mapstructure:"id"`
	Symbol       string `mapstructure:"symbol"`
	Name         string `mapstructure:"name"`
	QuoteReserve string `mapstructure:"quote_reserve"`
	BaseReserve  string `mapstructure:"base_reserve"`
	OpeningPrice string `mapstructure:"opening_price"`
	TotalSupply  string `mapstructure:"total_supply"`
}

// Listing converts the entry into an instrument listing.
func (p SeedPool) Listing() (instrument.Listing, error) {
	l := instrument.Listing{ID: p.ID, Symbol: p.Symbol, Name: p.Name}
	var err error
	if l.QuoteReserve, err = optionalDecimal(p.QuoteReserve); err != nil {
		return l, fmt.Errorf("config: seed pool %s quote_reserve: %w", p.ID, err)
	}
	if l.BaseReserve, err = optionalDecimal(p.BaseReserve); err != nil {
		return l, fmt.Errorf("config: seed pool %s base_reserve: %w", p.ID, err)
	}
	if l.OpeningPrice, err = optionalDecimal(p.OpeningPrice); err != nil {
		return l, fmt.Errorf("config: seed pool %s opening_price: %w", p.ID, err)
	}
	if l.TotalSupply, err = optionalDecimal(p.TotalSupply); err != nil {
		return l, fmt.Errorf("config: seed pool %s total_supply: %w", p.ID, err)
	}
	return l, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Load reads configuration. The file path comes from LEDGER_CONFIG, falling
// back to ./config.yaml when present; a missing default file is not an error.
func Load() (*Config, error) {
	return load(viper.New(), os.Getenv(EnvPrefix+"_CONFIG"))
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed variables used by container platforms.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", EnvPrefix+"_REDIS_URL", "REDIS_URL")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ledger.starting_cash", "100")
	v.SetDefault("ledger.fee_bps", 0)
	v.SetDefault("oracle.quote_to_usd", "150")
	v.SetDefault("oracle.redis_key", "")
}

// Validate checks values that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if _, err := c.StartingCash(); err != nil {
		return err
	}
	if _, err := c.QuoteToUSD(); err != nil {
		return err
	}
	if c.Ledger.FeeBps < 0 || c.Ledger.FeeBps >= 10000 {
		return fmt.Errorf("config: ledger.fee_bps must be in [0, 10000), got %d", c.Ledger.FeeBps)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	for _, p := range c.Seed.Pools {
		if _, err := p.Listing(); err != nil {
			return err
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// StartingCash is the quote balance every new account opens with.
func (c *Config) StartingCash() (decimal.Decimal, error) {
	cash, err := decimal.NewFromString(c.Ledger.StartingCash)
	if err != nil || cash.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: invalid ledger.starting_cash %q", c.Ledger.StartingCash)
	}
	return cash, nil
}

// QuoteToUSD is the static conversion rate.
func (c *Config) QuoteToUSD() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Oracle.QuoteToUSD)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("config: invalid oracle.quote_to_usd %q", c.Oracle.QuoteToUSD)
	}
	return rate, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	return lvl, nil
}
