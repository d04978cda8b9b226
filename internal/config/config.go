package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Ledger   Ledger   `mapstructure:"ledger"`
	Keyring  Keyring  `mapstructure:"keyring"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Ledger holds the configuration for the escrow ledger gateway.
type Ledger struct {
	BaseURL string `mapstructure:"base_url"`
	// EscrowAddress is the escrow contract account that must be approved
	// as a token spender before funds can be locked.
	EscrowAddress  string  `mapstructure:"escrow_address"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// ConfirmTimeoutSec bounds the wait for a submitted transaction to be
	// finalized before the call reports an unknown outcome.
	ConfirmTimeoutSec int `mapstructure:"confirm_timeout_sec"`
	// PollIntervalMs is the initial confirmation polling interval.
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// Keyring holds the locally managed signing keys, one hex private key per
// ledger account the service can sign for.
type Keyring struct {
	Keys []string `mapstructure:"keys"`
}

// Server holds the configuration for the HTTP API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the trade ledger database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("ledger.rate_limit", 10) // requests per second
	viper.SetDefault("ledger.rate_limit_burst", 5)
	viper.SetDefault("ledger.confirm_timeout_sec", 120)
	viper.SetDefault("ledger.poll_interval_ms", 500)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "escrow.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
