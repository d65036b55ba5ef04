package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMisconfigured is returned when a required setting is missing or invalid.
var ErrMisconfigured = errors.New("misconfigured")

type Config struct {
	App       AppConfig
	Server    ServerConfig
	DB        PostgresConfig
	Kafka     KafkaConfig
	PG        PGConfig
	Pricing   PricingConfig
	Reconcile ReconcileConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type ServerConfig struct {
	Host string
	Port int
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type KafkaConfig struct {
	Brokers       []string
	EventTopic    string
	CommandTopic  string
	ConsumerGroup string
	Enabled       bool
}

// PGEnv selects which set of gateway endpoints the client talks to.
type PGEnv string

const (
	PGEnvTest       PGEnv = "test"
	PGEnvProduction PGEnv = "production"
)

const (
	defaultPGTestURL = "https://testpgapi.easypay.co.kr"
	defaultPGProdURL = "https://pgapi.easypay.co.kr"
)

type PGConfig struct {
	Env       PGEnv
	TestURL   string
	ProdURL   string
	MallID    string
	SecretKey string
	Timeout   time.Duration
	// Location used for YYYYMMDD dates sent to the gateway.
	Location *time.Location
}

// BaseURL returns the endpoint root for the configured environment.
func (p PGConfig) BaseURL() string {
	if p.Env == PGEnvProduction {
		return p.ProdURL
	}
	return p.TestURL
}

type PricingConfig struct {
	ShippingFee          int64
	FreeShippingOver     int64
	DefaultGoodsName     string
	DraftWriteAttempts   int
	DraftWriteRetryDelay time.Duration
}

type ReconcileConfig struct {
	Interval   time.Duration
	MinAge     time.Duration
	MaxAge     time.Duration
	Workers    int
	BatchLimit int
	RunOnStart bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	loc, err := time.LoadLocation(getEnv("PG_TIMEZONE", "Asia/Seoul"))
	if err != nil {
		loc = time.UTC
	}

	cfg := &Config{
		App: AppConfig{
			Name: getEnv("APP_NAME", "pg_settlement"),
			Env:  getEnv("APP_ENV", "local"),
		},
		Server: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnvAsInt("HTTP_PORT", 8030),
		},
		DB: PostgresConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			DBName:   getEnv("POSTGRES_DB", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		Kafka: KafkaConfig{
			Brokers:       splitAndTrim(getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")),
			EventTopic:    getEnv("KAFKA_SETTLEMENT_EVENT_TOPIC", "settlement.events"),
			CommandTopic:  getEnv("KAFKA_SETTLEMENT_COMMAND_TOPIC", "settlement.commands"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "pg-settlement"),
			Enabled:       getEnvAsBool("KAFKA_ENABLED", true),
		},
		PG: PGConfig{
			Env:       PGEnv(strings.ToLower(getEnv("PG_ENV", string(PGEnvTest)))),
			TestURL:   getEnv("PG_TEST_BASE_URL", defaultPGTestURL),
			ProdURL:   getEnv("PG_PROD_BASE_URL", defaultPGProdURL),
			MallID:    getEnv("PG_MALL_ID", ""),
			SecretKey: getEnv("PG_SECRET_KEY", ""),
			Timeout:   getEnvAsDuration("PG_TIMEOUT", 15*time.Second),
			Location:  loc,
		},
		Pricing: PricingConfig{
			ShippingFee:          getEnvAsInt64("SHIPPING_FEE", 3000),
			FreeShippingOver:     getEnvAsInt64("FREE_SHIPPING_OVER", 50000),
			DefaultGoodsName:     getEnv("DEFAULT_GOODS_NAME", "Order"),
			DraftWriteAttempts:   getEnvAsInt("DRAFT_WRITE_ATTEMPTS", 3),
			DraftWriteRetryDelay: getEnvAsDuration("DRAFT_WRITE_RETRY_DELAY", 200*time.Millisecond),
		},
		Reconcile: ReconcileConfig{
			Interval:   getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Minute),
			MinAge:     getEnvAsDuration("RECONCILE_MIN_AGE", 30*time.Minute),
			MaxAge:     getEnvAsDuration("RECONCILE_MAX_AGE", 30*24*time.Hour),
			Workers:    getEnvAsInt("RECONCILE_WORKERS", 4),
			BatchLimit: getEnvAsInt("RECONCILE_BATCH_LIMIT", 500),
			RunOnStart: getEnvAsBool("RECONCILE_RUN_ON_START", false),
		},
	}

	return cfg, cfg.validate()
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.DBName,
		p.SSLMode,
	)
}

/* ================= helpers ================= */

func (c *Config) validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("%w: HTTP_PORT is invalid", ErrMisconfigured)
	}
	if c.DB.Host == "" || c.DB.User == "" || c.DB.DBName == "" {
		return fmt.Errorf("%w: database config is incomplete", ErrMisconfigured)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers is empty", ErrMisconfigured)
	}
	return c.PG.Validate()
}

// Validate fails fast when the gateway cannot be used safely.
func (p PGConfig) Validate() error {
	if p.Env != PGEnvTest && p.Env != PGEnvProduction {
		return fmt.Errorf("%w: PG_ENV must be %q or %q, got %q", ErrMisconfigured, PGEnvTest, PGEnvProduction, p.Env)
	}
	if p.BaseURL() == "" {
		return fmt.Errorf("%w: pg base url is empty for env %s", ErrMisconfigured, p.Env)
	}
	if p.MallID == "" {
		return fmt.Errorf("%w: PG_MALL_ID is empty", ErrMisconfigured)
	}
	if p.SecretKey == "" {
		return fmt.Errorf("%w: PG_SECRET_KEY is empty", ErrMisconfigured)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if val := strings.TrimSpace(p); val != "" {
			out = append(out, val)
		}
	}
	return out
}
