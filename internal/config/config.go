// Package config loads service settings from the environment (and an
// optional .env file) through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/suspectuso/crypto-reminder/internal/storage"
)

type Config struct {
	// Telegram
	BotToken string `mapstructure:"BOT_TOKEN"`

	// Store
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	JSONPath    string `mapstructure:"JSON_PATH"`

	// CoinGecko
	CoinGeckoBaseURL string        `mapstructure:"COINGECKO_BASE_URL"`
	CoinGeckoAPIKey  string        `mapstructure:"COINGECKO_API_KEY"`
	HTTPTimeout      time.Duration `mapstructure:"HTTP_TIMEOUT"`
	TopCoinsLimit    int           `mapstructure:"TOP_COINS_LIMIT"`
	TopCoinsTTL      time.Duration `mapstructure:"TOP_COINS_TTL"`

	// Subscriber defaults
	DefaultTimezone string `mapstructure:"DEFAULT_TIMEZONE"`
	DefaultTime     string `mapstructure:"DEFAULT_TIME"`
	DefaultCoins    string `mapstructure:"DEFAULT_COINS"`

	// Scheduling
	AlertThreshold float64       `mapstructure:"ALERT_THRESHOLD"`
	AlertInterval  time.Duration `mapstructure:"ALERT_INTERVAL"`
	AlertFirstRun  time.Duration `mapstructure:"ALERT_FIRST_RUN"`
	JobTimeout     time.Duration `mapstructure:"JOB_TIMEOUT"`
	ResyncInterval time.Duration `mapstructure:"RESYNC_INTERVAL"`

	// Admin API
	HTTPPort int `mapstructure:"HTTP_PORT"`

	// Events
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"STORE_DRIVER":       storage.DriverSQLite,
	"DB_PATH":            "./crypto_bot.db",
	"JSON_PATH":          "./subscribers.json",
	"COINGECKO_BASE_URL": "https://api.coingecko.com/api/v3",
	"HTTP_TIMEOUT":       "15s",
	"TOP_COINS_LIMIT":    10,
	"TOP_COINS_TTL":      "10m",
	"DEFAULT_TIMEZONE":   "Asia/Shanghai",
	"DEFAULT_TIME":       "08:00",
	"DEFAULT_COINS":      "bitcoin,ethereum,dogecoin",
	"ALERT_THRESHOLD":    5.0,
	"ALERT_INTERVAL":     "5m",
	"ALERT_FIRST_RUN":    "10s",
	"JOB_TIMEOUT":        "1m",
	"RESYNC_INTERVAL":    "10m",
	"HTTP_PORT":          8080,
	"AMQP_EXCHANGE":      "crypto.events",
	"LOG_LEVEL":          "info",
}

// keys without a default still need binding so Unmarshal sees them
var envOnly = []string{"BOT_TOKEN", "DATABASE_URL", "COINGECKO_API_KEY", "AMQP_URL"}

// InitFlags registers the command line overrides on cmd and binds them into
// viper. Flags win over the environment.
func InitFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("store-driver", "", "Subscriber store: sqlite, postgres or json")
	flags.Int("http-port", 0, "Admin API port")

	_ = viper.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))
	_ = viper.BindPFlag("STORE_DRIVER", flags.Lookup("store-driver"))
	_ = viper.BindPFlag("HTTP_PORT", flags.Lookup("http-port"))
}

// LoadDotEnv loads variables from the given .env files (or ./.env) if
// present. Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && len(files) == 0 {
		// a missing default .env is fine
		return nil
	}
	return err
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	for key, val := range defaults {
		viper.SetDefault(key, val)
	}
	viper.AutomaticEnv()

	for key := range defaults {
		_ = viper.BindEnv(key)
	}
	for _, key := range envOnly {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CoinGeckoBaseURL = strings.TrimSuffix(cfg.CoinGeckoBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case storage.DriverSQLite, storage.DriverJSON:
	case storage.DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if _, err := storage.ParseDeliveryTime(c.DefaultTime); err != nil {
		return fmt.Errorf("DEFAULT_TIME: %w", err)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	if len(c.defaultCoins()) == 0 {
		return errors.New("DEFAULT_COINS must name at least one coin")
	}
	if c.AlertThreshold <= 0 {
		return fmt.Errorf("ALERT_THRESHOLD must be positive, got %v", c.AlertThreshold)
	}
	if c.AlertInterval <= 0 {
		return fmt.Errorf("ALERT_INTERVAL must be positive, got %v", c.AlertInterval)
	}
	if c.TopCoinsLimit <= 0 {
		return fmt.Errorf("TOP_COINS_LIMIT must be positive, got %d", c.TopCoinsLimit)
	}
	return nil
}

func (c *Config) defaultCoins() []string {
	return storage.NormalizeCoins(strings.Split(c.DefaultCoins, ","))
}

// SubscriberDefaults returns the settings applied to new and upgraded
// subscriber records. Load has already validated them.
func (c *Config) SubscriberDefaults() storage.Defaults {
	t, _ := storage.ParseDeliveryTime(c.DefaultTime)
	return storage.Defaults{
		Timezone:     c.DefaultTimezone,
		Coins:        c.defaultCoins(),
		DeliveryTime: t,
	}
}

// StoreOptions returns the options for storage.Open.
func (c *Config) StoreOptions() storage.Options {
	return storage.Options{
		Driver:      c.StoreDriver,
		DBPath:      c.DBPath,
		DatabaseURL: c.DatabaseURL,
		JSONPath:    c.JSONPath,
		Defaults:    c.SubscriberDefaults(),
	}
}
