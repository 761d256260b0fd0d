package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	OTLPEndpoint string

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

	TTN TTNConfig
}

// TTNConfig configures the connection to The Things Stack clusters.
type TTNConfig struct {
	// DefaultRegion is the cluster used when a connection has no stored region.
	DefaultRegion string
	// APIBaseURL overrides the per-region cluster URL. Leave empty in
	// production; tests point it at a local server.
	APIBaseURL string
	// AdminAPIKey is the operator-scoped credential used by start-fresh and
	// deep-clean to remove remote resources. Never a tenant key.
	AdminAPIKey string
	// CredentialSalt is the salt applied when obfuscating stored secrets.
	CredentialSalt string
	// WebhookBaseURL is the public base URL the provider posts uplinks to.
	WebhookBaseURL string
	// WebhookID is the deterministic per-application webhook identifier.
	WebhookID string
	// HTTPTimeout bounds each outbound provider call.
	HTTPTimeout time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "coldtrace"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "coldtrace"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		TTN: TTNConfig{
			DefaultRegion:  getenv("TTN_DEFAULT_REGION", "nam1"),
			APIBaseURL:     strings.TrimSpace(getenv("TTN_API_BASE_URL", "")),
			AdminAPIKey:    strings.TrimSpace(getenv("TTN_ADMIN_API_KEY", "")),
			CredentialSalt: getenv("TTN_CREDENTIAL_SALT", ""),
			WebhookBaseURL: strings.TrimSpace(getenv("TTN_WEBHOOK_BASE_URL", "")),
			WebhookID:      getenv("TTN_WEBHOOK_ID", "coldtrace-ingest"),
			HTTPTimeout:    getenvDuration("TTN_HTTP_TIMEOUT", 15*time.Second),
		},
	}
}

// Module wires configuration loading into the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) TTNConfig { return cfg.TTN }),
)

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
