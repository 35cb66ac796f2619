package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PayoutWebhookSecret signs payout-provider callbacks (HMAC-SHA512
	// over the canonical payload).
	PayoutWebhookSecret string

	// S2SJWTSecret authenticates internal service-to-service calls.
	S2SJWTSecret   string
	S2SJWTIssuer   string
	S2SJWTAudience string

	// EarningHoldPeriod is the cooling-off window before a referral
	// earning settles into spendable balance.
	EarningHoldPeriod time.Duration

	// PayoutStaleAfter is how long a payout may sit in processing before
	// the reconciliation sweep acts on it.
	PayoutStaleAfter time.Duration

	ServerID string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "freeside"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "freeside"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		PayoutWebhookSecret: strings.TrimSpace(getenv("PAYOUT_WEBHOOK_SECRET", "")),

		S2SJWTSecret:   strings.TrimSpace(getenv("S2S_JWT_SECRET", "")),
		S2SJWTIssuer:   getenv("S2S_JWT_ISSUER", "freeside"),
		S2SJWTAudience: getenv("S2S_JWT_AUDIENCE", "freeside-core"),

		EarningHoldPeriod: getenvDuration("EARNING_HOLD_PERIOD", 48*time.Hour),
		PayoutStaleAfter:  getenvDuration("PAYOUT_STALE_AFTER", 24*time.Hour),

		ServerID: getenv("SERVER_ID", hostnameOr("freeside-0")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func hostnameOr(def string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return def
	}
	return name
}
