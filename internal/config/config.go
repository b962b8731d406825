package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every process-wide setting, read once at startup.
type Config struct {
	// Mode
	EnableTrading bool // ENABLE_TRADING gates the live path entirely
	DryRun        bool // TRADING_DRY_RUN routes orders to the CSV sink
	Debug         bool

	// CLOB venue
	CLOBBaseURL    string
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string

	// Upstream scanner feed
	SignalFeedURL string

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Sinks
	DatabasePath string
	DryRunCSV    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		EnableTrading: getEnvBool("ENABLE_TRADING", false),
		DryRun:        getEnvBool("TRADING_DRY_RUN", true),
		Debug:         getEnvBool("DEBUG", false),

		CLOBBaseURL:    getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		CLOBApiKey:     os.Getenv("POLY_API_KEY"),
		CLOBApiSecret:  os.Getenv("POLY_API_SECRET"),
		CLOBPassphrase: os.Getenv("POLY_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("ETH_PRIVATE_KEY"),

		SignalFeedURL: os.Getenv("SIGNAL_FEED_URL"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/polysignal.db"),
		DryRunCSV:    getEnv("DRY_RUN_CSV", "data/dry_run_trades.csv"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// LiveTradingRequested reports whether the operator asked for real orders.
func (c *Config) LiveTradingRequested() bool {
	return c.EnableTrading && !c.DryRun
}

// HasCLOBCredentials reports whether private CLOB calls can be signed.
func (c *Config) HasCLOBCredentials() bool {
	return c.CLOBApiKey != "" && c.CLOBApiSecret != "" && c.CLOBPassphrase != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
