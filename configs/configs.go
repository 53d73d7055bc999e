// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	Redis   RedisConfig
	Upbit   UpbitConfig
	Polling PollingConfig
	Archive ArchiveConfig

	// Kafka fan-out is disabled when Broker is empty.
	Kafka KafkaConfig

	Server ServerConfig
	Health HealthConfig
	Log    LogConfig
}

// RedisConfig holds the hot store connection.
type RedisConfig struct {
	// Addrs is one address for a single node, several for a cluster.
	Addrs    []string
	Password string
	DB       int

	// Prefix is prepended to every hot-store key.
	Prefix string

	// PartitionTTL expires seconds partitions that were never archived.
	PartitionTTL time.Duration
}

// UpbitConfig holds the exchange endpoints and the symbol universe.
type UpbitConfig struct {
	RESTURL string
	WSURL   string

	// Symbols is the tracked universe. Empty means discover every market
	// quoted in Quote.
	Symbols []string
	Quote   string
}

// PollingConfig holds the REST fetcher settings.
type PollingConfig struct {
	RequestDelay      time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond int

	// PushedEvery is the poll period of pushed intervals while in fallback.
	PushedEvery time.Duration

	// CalendarEvery is the poll period of days, weeks, months and years.
	CalendarEvery time.Duration

	// CountPerSymbol is the number of candles requested per poll.
	CountPerSymbol int

	// Backfill fills every bucket to capacity at start.
	Backfill bool
}

// ArchiveConfig holds the daily sweep settings.
type ArchiveConfig struct {
	Enabled bool

	// Backend is clickhouse, gorm-clickhouse or gorm-postgres.
	Backend string
	DSN     string

	// Hour and Minute of the daily run in the reference zone.
	Hour   int
	Minute int
}

// KafkaConfig holds Kafka connection settings for candle fan-out.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic receives one message per stored stream candle.
	Topic string
}

type ServerConfig struct {
	Port string
}

// HealthConfig holds the health monitor settings.
type HealthConfig struct {
	Interval time.Duration

	// StaleAfter marks a pushed interval unhealthy when no frame arrived
	// for this long.
	StaleAfter time.Duration

	// AutoFallback flips fallback flags on staleness transitions.
	AutoFallback bool
}

type LogConfig struct {
	Level  string
	Format string
}

// getDatabaseDSN constructs the archive DSN from environment variables.
func getDatabaseDSN(backend string) string {
	if dsn := getEnv("ARCHIVE_DSN", ""); dsn != "" {
		return dsn
	}
	if backend == "gorm-postgres" {
		return fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_USER", "candlekeeper"),
			getEnv("POSTGRES_PASSWORD", "password"),
			getEnv("POSTGRES_DB", "candlekeeper"),
		)
	}

	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "db")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getArchiveConfig loads the sweep settings, keeping the schedule in range.
func getArchiveConfig() ArchiveConfig {
	backend := getEnv("ARCHIVE_BACKEND", "clickhouse")

	hour := getEnvInt("ARCHIVE_HOUR", 0)
	if hour < 0 || hour > 23 {
		hour = 0
	}
	minute := getEnvInt("ARCHIVE_MINUTE", 5)
	if minute < 0 || minute > 59 {
		minute = 5
	}

	return ArchiveConfig{
		Enabled: getEnvBool("ARCHIVE_ENABLED", true),
		Backend: backend,
		DSN:     getDatabaseDSN(backend),
		Hour:    hour,
		Minute:  minute,
	}
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		Redis: RedisConfig{
			Addrs:        getEnvList("REDIS_ADDRS", []string{"localhost:6379"}),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			Prefix:       getEnv("REDIS_PREFIX", ""),
			PartitionTTL: getEnvDuration("REDIS_PARTITION_TTL", 72*time.Hour),
		},
		Upbit: UpbitConfig{
			RESTURL: getEnv("UPBIT_REST_URL", "https://api.upbit.com"),
			WSURL:   getEnv("UPBIT_WS_URL", "wss://api.upbit.com/websocket/v1"),
			Symbols: getEnvList("UPBIT_SYMBOLS", nil),
			Quote:   getEnv("UPBIT_QUOTE", "KRW"),
		},
		Polling: PollingConfig{
			RequestDelay:      getEnvDuration("POLL_REQUEST_DELAY", 150*time.Millisecond),
			RequestTimeout:    getEnvDuration("POLL_REQUEST_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvInt("POLL_REQUESTS_PER_SECOND", 8),
			PushedEvery:       getEnvDuration("POLL_PUSHED_EVERY", time.Minute),
			CalendarEvery:     getEnvDuration("POLL_CALENDAR_EVERY", time.Hour),
			CountPerSymbol:    getEnvInt("POLL_COUNT", 200),
			Backfill:          getEnvBool("BACKFILL", true),
		},
		Archive: getArchiveConfig(),
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_CANDLE_TOPIC", "candlekeeper_candles"),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Health: HealthConfig{
			Interval:     getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			StaleAfter:   getEnvDuration("STREAM_STALE_AFTER", 2*time.Minute),
			AutoFallback: getEnvBool("AUTO_FALLBACK", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration parses values like "150ms" or "72h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
