package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{Path: "cards.db"},
		Ledger:    LedgerConfig{Timezone: "UTC"},
		Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
		Events:    EventsConfig{Backend: "none"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: No explicit file and no cardledger.* in the working directory
	t.Setenv("CARDLEDGER_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cards.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, "none", cfg.Events.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CARDLEDGER_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("CARDLEDGER_SERVER_PORT", "9090")
	t.Setenv("CARDLEDGER_LEDGER_TIMEZONE", "America/New_York")
	t.Setenv("CARDLEDGER_SCHEDULER_INTERVAL", "15m")
	t.Setenv("CARDLEDGER_EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "America/New_York", cfg.Ledger.Timezone)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Kafka.Brokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: /tmp/x.db\nevents:\n  backend: amqp\n"), 0o644))
	t.Setenv("CARDLEDGER_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, "amqp", cfg.Events.Backend)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_DefaultLookupReadsWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cardledger.yaml"), []byte("server:\n  port: 7070\n"), 0o644))
	t.Setenv("CARDLEDGER_CONFIG", "")
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_ExplicitFileErrors(t *testing.T) {
	dir := t.TempDir()
	malformed := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(malformed, []byte("server: [unclosed\n"), 0o644))

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml")},
		{"malformed file", malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: CARDLEDGER_CONFIG names a file that cannot be loaded
			t.Setenv("CARDLEDGER_CONFIG", tt.path)

			// WHEN: Loading
			_, err := Load()

			// THEN: The server must not fall back to defaults
			require.Error(t, err)
			assert.Contains(t, err.Error(), "read config file")
		})
	}
}

func TestLoad_MalformedDefaultFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cardledger.yaml"), []byte("server: [unclosed\n"), 0o644))
	t.Setenv("CARDLEDGER_CONFIG", "")
	t.Chdir(dir)

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Ledger.Timezone = "Mars/Olympus"
	cfg.Events.Backend = "carrier-pigeon"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "configuration validation failed")
	assert.Contains(t, msg, "invalid port 0")
	assert.Contains(t, msg, "invalid ledger timezone")
	assert.Contains(t, msg, "invalid events backend")
	assert.Contains(t, msg, "invalid log format")
}

func TestValidate_AMQPBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Events.Backend = "amqp"
	cfg.Events.AMQP = AMQPConfig{URL: "http://localhost", Exchange: "", Queue: "q"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid AMQP URL scheme 'http'")
	assert.Contains(t, err.Error(), "AMQP exchange name cannot be empty")
}

func TestLocation(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Timezone = ""

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}
