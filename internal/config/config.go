package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the engine
type Config struct {
	// Broker API
	BrokerAPIKey     string
	BrokerAPISecret  string
	BrokerBaseURL    string
	BrokerDataWSURL  string
	BrokerTradeWSURL string

	// Database (postgres:// DSN or a sqlite file path)
	DatabaseURL string

	// Mode
	DryRun      bool
	TestingMode bool
	Debug       bool

	// Order placement
	OrderCooldown time.Duration // min gap between submissions per asset

	// Reconciliation
	StaleOrderThreshold time.Duration // open buy orders older than this get canceled
	StuckSellTimeout    time.Duration // selling cycles older than this get verified
	CleanerInterval     time.Duration
	ConsistencyInterval time.Duration
	BootstrapInterval   time.Duration

	// Shutdown
	DrainTimeout time.Duration

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		BrokerAPIKey:     os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret:  os.Getenv("BROKER_API_SECRET"),
		BrokerBaseURL:    getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerDataWSURL:  getEnv("BROKER_DATA_WS_URL", "wss://stream.data.alpaca.markets/v1beta3/crypto/us"),
		BrokerTradeWSURL: getEnv("BROKER_TRADE_WS_URL", "wss://paper-api.alpaca.markets/stream"),

		DatabaseURL: getEnv("DATABASE_URL", "data/dcabot.db"),

		DryRun:      getEnvBool("DRY_RUN", false),
		TestingMode: getEnvBool("TESTING_MODE", false),
		Debug:       getEnvBool("DEBUG", false),

		OrderCooldown: time.Duration(getEnvInt("ORDER_COOLDOWN_SECONDS", 5)) * time.Second,

		StaleOrderThreshold: time.Duration(getEnvInt("STALE_ORDER_THRESHOLD_MINUTES", 5)) * time.Minute,
		StuckSellTimeout:    time.Duration(getEnvInt("STUCK_SELL_TIMEOUT_SECONDS", 75)) * time.Second,
		CleanerInterval:     getEnvDuration("CLEANER_INTERVAL", time.Minute),
		ConsistencyInterval: getEnvDuration("CONSISTENCY_INTERVAL", 5*time.Minute),
		BootstrapInterval:   getEnvDuration("BOOTSTRAP_INTERVAL", 15*time.Minute),

		DrainTimeout: getEnvDuration("DRAIN_TIMEOUT", 15*time.Second),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate required fields
	if !cfg.DryRun && (cfg.BrokerAPIKey == "" || cfg.BrokerAPISecret == "") {
		return nil, fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required unless DRY_RUN=true")
	}

	return cfg, nil
}

// IsPaperTrading reports whether the broker base URL points at a paper account.
func (c *Config) IsPaperTrading() bool {
	return strings.Contains(c.BrokerBaseURL, "paper-api")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
