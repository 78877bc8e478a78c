package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API.
type Config struct {
	Port string

	LogLevel  slog.Level
	LogFormat string

	DatabaseURL string
	SQLitePath  string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisEventsPrefix string
	RedisEventsMaxLen int64
	RedisEventsTTL    time.Duration

	ProcessingBaseURL string
	ProcessingSchema  string
	ProcessingPath    string
	ProcessingTimeout time.Duration

	MarkFailedOnError         bool
	ProgressWriteRPS          float64
	SimulatedProgressInterval time.Duration

	PlansFile string

	JWTSecret        string
	JWKSURL          string
	JWTIssuer        string
	JWTLeeway        time.Duration
	DevAccountHeader string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool

	ShutdownDrainTimeout time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int

	FreeMaxFileMB    int
	PremiumMaxFileMB int
}

func Load() Config {
	schema := strings.ToLower(getEnv("PROCESSING_SCHEMA", "json"))
	defaultPath := "/process"
	if schema == "multipart" {
		defaultPath = "/analyze/"
	}

	return Config{
		Port: getEnv("PORT", "8080"),

		LogLevel:  parseLogLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisEventsPrefix: getEnv("REDIS_EVENTS_PREFIX", "job_events:"),
		RedisEventsMaxLen: int64(getEnvInt("REDIS_EVENTS_MAXLEN", 500)),
		RedisEventsTTL:    getEnvDuration("REDIS_EVENTS_TTL", 24*time.Hour),

		ProcessingBaseURL: getEnv("PROCESSING_BASE_URL", "http://localhost:8000"),
		ProcessingSchema:  schema,
		ProcessingPath:    getEnv("PROCESSING_PATH", defaultPath),
		ProcessingTimeout: getEnvDuration("PROCESSING_TIMEOUT", 0),

		MarkFailedOnError:         getEnvBool("MARK_FAILED_ON_ERROR", false),
		ProgressWriteRPS:          getEnvFloat("PROGRESS_WRITE_RPS", 4),
		SimulatedProgressInterval: getEnvDuration("SIMULATED_PROGRESS_INTERVAL", 500*time.Millisecond),

		PlansFile: getEnv("PLANS_FILE", ""),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWKSURL:          getEnv("JWKS_URL", ""),
		JWTIssuer:        getEnv("JWT_ISSUER", ""),
		JWTLeeway:        getEnvDuration("JWT_LEEWAY", 30*time.Second),
		DevAccountHeader: getEnv("DEV_ACCOUNT_HEADER", "X-Account-Id"),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		TrustProxyHeaders:  getEnvBool("TRUST_PROXY_HEADERS", false),

		ShutdownDrainTimeout: getEnvDuration("SHUTDOWN_DRAIN_TIMEOUT", 30*time.Second),

		CacheTTL:        getEnvDuration("CACHE_TTL", time.Minute),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1024),

		FreeMaxFileMB:    getEnvInt("FREE_MAX_FILE_MB", 100),
		PremiumMaxFileMB: getEnvInt("PREMIUM_MAX_FILE_MB", 1024),
	}
}

// AuthConfigured reports whether session tokens are verified.
func (c Config) AuthConfigured() bool {
	return c.JWTSecret != "" || c.JWKSURL != ""
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
