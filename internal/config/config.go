package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Env holds process-level configuration: credentials, store location and
// logging. Strategy parameters live in a separate JSON file (see Strategy).
type Env struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceEnv       string // mainnet | testnet
	DBDriver         string // sqlite3 | postgres
	DBDSN            string
	TelegramToken    string
	TelegramChatID   int64
	LogLevel         string
	RequestTimeout   int // seconds
}

// LoadEnv initializes configuration from environment variables, reading a
// .env file first when one is present.
func LoadEnv() *Env {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	return &Env{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceEnv:       getEnvWithDefault("BINANCE_ENV", "mainnet"),
		DBDriver:         getEnvWithDefault("DB_DRIVER", "sqlite3"),
		DBDSN:            getEnvWithDefault("DB_DSN", "klines.db"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   getEnvInt64WithDefault("TELEGRAM_CHAT_ID", 0),
		LogLevel:         getEnvWithDefault("LOG_LEVEL", "info"),
		RequestTimeout:   getEnvIntWithDefault("REQUEST_TIMEOUT", 30),
	}
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64WithDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
