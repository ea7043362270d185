package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envNames = []string{
	"SERVICE_NAME", "HTTP_PORT", "PORT", "DB_DRIVER", "DB_PATH", "DB_URL", "POSTGRES_URL",
	"DB_MAX_CONNS", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_CONSUMER_GROUP",
	"KAFKA_TOPIC_BOOKING_CANCELLED", "KAFKA_TOPIC_PAYMENT_REFUNDED", "KAFKA_TOPIC_LIFECYCLE",
	"CONSUMER_POLL_SECONDS", "LIFECYCLE_INTERVAL", "LIFECYCLE_BATCH_SIZE", "LIFECYCLE_LOCK_TTL",
	"DEFAULT_HOLD_DAYS", "HOLD_POLICY_FILE", "JAEGER_ENDPOINT", "SEED_DEMO_DATA",
}

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
service:
  http_port: 9000
database:
  driver: postgres
  url: postgres://commissions@localhost/commissions
dependencies:
  redis_url: redis://localhost:6379/0
  kafka_brokers: [" kafka-1:9092 ", "", "kafka-2:9092"]
lifecycle:
  interval: 30m
  batch_size: 250
  lock_ttl: 5m
  default_hold_days: 0
  policy_file: ./policy.json
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "postgres://commissions@localhost/commissions", cfg.DatabaseURL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, 30*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, 0, cfg.DefaultHoldDays)
	assert.Equal(t, "./policy.json", cfg.PolicyFile)
	assert.Equal(t, "booking.cancelled", cfg.TopicBookingCancelled)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
service:
  http_port: 9000
lifecycle:
  batch_size: 250
`)
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("LIFECYCLE_BATCH_SIZE", "10")
	t.Setenv("LIFECYCLE_INTERVAL", "90s")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("SEED_DEMO_DATA", "yes")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.SeedDemoData)
}

func TestLoad_BadEnvValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("LIFECYCLE_INTERVAL", "soon")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "malformed yaml", file: "service: [1, 2"},
		{name: "bad interval", file: "lifecycle:\n  interval: often\n"},
		{name: "postgres without url", env: map[string]string{"DB_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"DB_DRIVER": "oracle"}},
		{name: "negative hold days", env: map[string]string{"DEFAULT_HOLD_DAYS": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
