package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Cache       CacheConfig
	Exchange    ExchangeConfig
	Stream      StreamConfig
	Poll        PollConfig
	Symbols     SymbolsConfig
	Credentials CredentialsConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CacheConfig struct {
	DetailTTL time.Duration
	TickerTTL time.Duration
	CandleTTL time.Duration
}

type ExchangeConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	RecvWindow        time.Duration
	DefaultRetryAfter time.Duration
	RequestTimeout    time.Duration
	ClockSyncInterval time.Duration
}

type StreamConfig struct {
	KeepaliveInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	RateLimitCooldown    time.Duration
	CooldownRetryBuffer  time.Duration
}

type PollConfig struct {
	TickerInterval time.Duration
	CandleInterval time.Duration
	ChartInterval  string
	CandleLimit    int
}

type SymbolsConfig struct {
	CatalogFile    string
	MetadataAPIURL string
	WatchExchange  string
}

// CredentialsConfig holds the service account credentials used for the
// default connection. Per-user credentials come from the credential
// provider instead.
type CredentialsConfig struct {
	BinanceAPIKey    string
	BinanceAPISecret string
	BybitAPIKey      string
	BybitAPISecret   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			DetailTTL: parseDuration(getEnv("CACHE_TTL_DETAIL", "30s"), 30*time.Second),
			TickerTTL: parseDuration(getEnv("CACHE_TTL_TICKER", "5s"), 5*time.Second),
			CandleTTL: parseDuration(getEnv("CACHE_TTL_CANDLE", "60s"), 60*time.Second),
		},
		Exchange: ExchangeConfig{
			MaxAttempts:       getEnvInt("EXCHANGE_MAX_ATTEMPTS", 3),
			BackoffBase:       parseDuration(getEnv("EXCHANGE_BACKOFF_BASE", "500ms"), 500*time.Millisecond),
			RecvWindow:        parseDuration(getEnv("EXCHANGE_RECV_WINDOW", "30s"), 30*time.Second),
			DefaultRetryAfter: parseDuration(getEnv("EXCHANGE_DEFAULT_RETRY_AFTER", "2s"), 2*time.Second),
			RequestTimeout:    parseDuration(getEnv("EXCHANGE_REQUEST_TIMEOUT", "10s"), 10*time.Second),
			ClockSyncInterval: parseDuration(getEnv("EXCHANGE_CLOCK_SYNC_INTERVAL", "5m"), 5*time.Minute),
		},
		Stream: StreamConfig{
			KeepaliveInterval:    parseDuration(getEnv("STREAM_KEEPALIVE_INTERVAL", "30m"), 30*time.Minute),
			ReconnectBase:        parseDuration(getEnv("STREAM_RECONNECT_BASE", "1s"), 1*time.Second),
			ReconnectMax:         parseDuration(getEnv("STREAM_RECONNECT_MAX", "16s"), 16*time.Second),
			MaxReconnectAttempts: getEnvInt("STREAM_MAX_RECONNECT_ATTEMPTS", 5),
			RateLimitCooldown:    parseDuration(getEnv("STREAM_RATE_LIMIT_COOLDOWN", "10m"), 10*time.Minute),
			CooldownRetryBuffer:  parseDuration(getEnv("STREAM_COOLDOWN_RETRY_BUFFER", "5s"), 5*time.Second),
		},
		Poll: PollConfig{
			TickerInterval: parseDuration(getEnv("POLL_TICKER_INTERVAL", "3s"), 3*time.Second),
			CandleInterval: parseDuration(getEnv("POLL_CANDLE_INTERVAL", "30s"), 30*time.Second),
			ChartInterval:  getEnv("POLL_CHART_INTERVAL", "1m"),
			CandleLimit:    getEnvInt("POLL_CANDLE_LIMIT", 100),
		},
		Symbols: SymbolsConfig{
			CatalogFile:    getEnv("SYMBOLS_CATALOG_FILE", "config/symbols.yaml"),
			MetadataAPIURL: getEnv("SYMBOLS_METADATA_API_URL", ""),
			WatchExchange:  getEnv("SYMBOLS_WATCH_EXCHANGE", "binance"),
		},
		Credentials: CredentialsConfig{
			BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
			BinanceAPISecret: getEnv("BINANCE_API_SECRET", ""),
			BybitAPIKey:      getEnv("BYBIT_API_KEY", ""),
			BybitAPISecret:   getEnv("BYBIT_API_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("STREAM_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if c.Poll.TickerInterval <= 0 || c.Poll.CandleInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
