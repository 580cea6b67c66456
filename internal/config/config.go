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
	AppURL      string
	HTTPAddr    string
	NodeID      int64

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

	PayU   PayUConfig
	Stripe StripeConfig

	Redis    RedisConfig
	Broker   BrokerConfig
	Checkout CheckoutConfig

	Reconcile ReconcileConfig

	PlanCatalogPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type BrokerConfig struct {
	URL      string
	Exchange string
}

func (c BrokerConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

type CheckoutConfig struct {
	RatePerMinute  float64
	Burst          int
	RetryAttempts  uint
	RetryMaxElapse time.Duration
}

type ReconcileConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	GiveUpAfter time.Duration
	BatchSize   int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	appURL := strings.TrimRight(getenv("APP_URL", "http://localhost:8080"), "/")

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "paysync"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       environment,
		AppURL:            appURL,
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "paysync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		PayU:              loadPayUConfig(appURL),
		Stripe:            loadStripeConfig(appURL),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Broker: BrokerConfig{
			URL:      strings.TrimSpace(getenv("AMQP_URL", "")),
			Exchange: getenv("AMQP_EXCHANGE", "paysync.events"),
		},
		Checkout: CheckoutConfig{
			RatePerMinute:  getenvFloat("CHECKOUT_RATE_PER_MINUTE", 10),
			Burst:          getenvInt("CHECKOUT_BURST", 5),
			RetryAttempts:  uint(getenvInt("CHECKOUT_RETRY_ATTEMPTS", 3)),
			RetryMaxElapse: getenvDuration("CHECKOUT_RETRY_MAX_ELAPSED", 45*time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval:    getenvDuration("RECONCILE_INTERVAL", time.Minute),
			StaleAfter:  getenvDuration("RECONCILE_STALE_AFTER", 10*time.Minute),
			GiveUpAfter: getenvDuration("RECONCILE_GIVE_UP_AFTER", 72*time.Hour),
			BatchSize:   getenvInt("RECONCILE_BATCH_SIZE", 50),
		},
		PlanCatalogPath: strings.TrimSpace(getenv("PLAN_CATALOG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
