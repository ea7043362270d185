// Package config loads service configuration from an optional YAML file
// and environment variables. Environment wins over the file; the file wins
// over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	ServiceName string
	HTTPPort    int

	DBDriver    string
	DBPath      string
	DatabaseURL string
	MaxDBConns  int32

	RedisURL string

	KafkaBrokers          []string
	KafkaConsumerGroup    string
	TopicBookingCancelled string
	TopicPaymentRefunded  string
	TopicLifecycle        string
	ConsumerPollInterval  time.Duration

	SchedulerInterval time.Duration
	BatchSize         int
	LockTTL           time.Duration
	DefaultHoldDays   int
	PolicyFile        string

	JaegerEndpoint string
	SeedDemoData   bool
}

type configFile struct {
	Service struct {
		Name     string `yaml:"name"`
		HTTPPort int    `yaml:"http_port"`
	} `yaml:"service"`
	Database struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Dependencies struct {
		RedisURL              string   `yaml:"redis_url"`
		KafkaBrokers          []string `yaml:"kafka_brokers"`
		KafkaConsumerGroup    string   `yaml:"kafka_consumer_group"`
		TopicBookingCancelled string   `yaml:"kafka_topic_booking_cancelled"`
		TopicPaymentRefunded  string   `yaml:"kafka_topic_payment_refunded"`
		TopicLifecycle        string   `yaml:"kafka_topic_lifecycle"`
		JaegerEndpoint        string   `yaml:"jaeger_endpoint"`
	} `yaml:"dependencies"`
	Lifecycle struct {
		Interval        string `yaml:"interval"`
		BatchSize       int    `yaml:"batch_size"`
		LockTTL         string `yaml:"lock_ttl"`
		DefaultHoldDays *int   `yaml:"default_hold_days"`
		PolicyFile      string `yaml:"policy_file"`
		SeedDemoData    bool   `yaml:"seed_demo_data"`
	} `yaml:"lifecycle"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ServiceName:           "commission-engine",
		HTTPPort:              8080,
		DBDriver:              DriverSQLite,
		DBPath:                "./data/commissions.db",
		MaxDBConns:            20,
		KafkaConsumerGroup:    "commission-engine",
		TopicBookingCancelled: "booking.cancelled",
		TopicPaymentRefunded:  "payment.refunded",
		TopicLifecycle:        "commission.lifecycle",
		ConsumerPollInterval:  2 * time.Second,
		SchedulerInterval:     time.Hour,
		BatchSize:             100,
		LockTTL:               15 * time.Minute,
		DefaultHoldDays:       30,
	}
}

// Load reads path (a missing file is not an error) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.ServiceName = envOrDefault("SERVICE_NAME", cfg.ServiceName)
	cfg.HTTPPort = envInt("HTTP_PORT", envInt("PORT", cfg.HTTPPort))
	cfg.DBDriver = strings.ToLower(envOrDefault("DB_DRIVER", cfg.DBDriver))
	cfg.DBPath = envOrDefault("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.TopicBookingCancelled = envOrDefault("KAFKA_TOPIC_BOOKING_CANCELLED", cfg.TopicBookingCancelled)
	cfg.TopicPaymentRefunded = envOrDefault("KAFKA_TOPIC_PAYMENT_REFUNDED", cfg.TopicPaymentRefunded)
	cfg.TopicLifecycle = envOrDefault("KAFKA_TOPIC_LIFECYCLE", cfg.TopicLifecycle)
	cfg.ConsumerPollInterval = time.Duration(envInt("CONSUMER_POLL_SECONDS", int(cfg.ConsumerPollInterval.Seconds()))) * time.Second
	cfg.SchedulerInterval = envDuration("LIFECYCLE_INTERVAL", cfg.SchedulerInterval)
	cfg.BatchSize = envInt("LIFECYCLE_BATCH_SIZE", cfg.BatchSize)
	cfg.LockTTL = envDuration("LIFECYCLE_LOCK_TTL", cfg.LockTTL)
	cfg.DefaultHoldDays = envInt("DEFAULT_HOLD_DAYS", cfg.DefaultHoldDays)
	cfg.PolicyFile = envOrDefault("HOLD_POLICY_FILE", cfg.PolicyFile)
	cfg.JaegerEndpoint = envOrDefault("JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	cfg.SeedDemoData = envBool("SEED_DEMO_DATA", cfg.SeedDemoData)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Service.Name != "" {
		cfg.ServiceName = f.Service.Name
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Database.Driver != "" {
		cfg.DBDriver = strings.ToLower(f.Database.Driver)
	}
	if f.Database.Path != "" {
		cfg.DBPath = f.Database.Path
	}
	if f.Database.URL != "" {
		cfg.DatabaseURL = f.Database.URL
	}
	if f.Database.MaxConns > 0 {
		cfg.MaxDBConns = f.Database.MaxConns
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaConsumerGroup != "" {
		cfg.KafkaConsumerGroup = f.Dependencies.KafkaConsumerGroup
	}
	if f.Dependencies.TopicBookingCancelled != "" {
		cfg.TopicBookingCancelled = f.Dependencies.TopicBookingCancelled
	}
	if f.Dependencies.TopicPaymentRefunded != "" {
		cfg.TopicPaymentRefunded = f.Dependencies.TopicPaymentRefunded
	}
	if f.Dependencies.TopicLifecycle != "" {
		cfg.TopicLifecycle = f.Dependencies.TopicLifecycle
	}
	cfg.JaegerEndpoint = f.Dependencies.JaegerEndpoint

	if f.Lifecycle.Interval != "" {
		d, err := time.ParseDuration(f.Lifecycle.Interval)
		if err != nil {
			return fmt.Errorf("parse lifecycle.interval: %w", err)
		}
		cfg.SchedulerInterval = d
	}
	if f.Lifecycle.LockTTL != "" {
		d, err := time.ParseDuration(f.Lifecycle.LockTTL)
		if err != nil {
			return fmt.Errorf("parse lifecycle.lock_ttl: %w", err)
		}
		cfg.LockTTL = d
	}
	if f.Lifecycle.BatchSize > 0 {
		cfg.BatchSize = f.Lifecycle.BatchSize
	}
	if f.Lifecycle.DefaultHoldDays != nil {
		cfg.DefaultHoldDays = *f.Lifecycle.DefaultHoldDays
	}
	cfg.PolicyFile = f.Lifecycle.PolicyFile
	cfg.SeedDemoData = f.Lifecycle.SeedDemoData
	return nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("missing DB_PATH for sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("invalid HTTP port %d", c.HTTPPort)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("lifecycle batch size must be positive")
	}
	if c.DefaultHoldDays < 0 {
		return fmt.Errorf("default hold days must not be negative")
	}
	if c.SchedulerInterval < 0 {
		return fmt.Errorf("lifecycle interval must not be negative")
	}
	return nil
}

// KafkaEnabled reports whether any broker is configured.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// =============================================================================
// ENV HELPERS
// =============================================================================

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
